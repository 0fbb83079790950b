package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Scope namespaces idempotency keys.
type Scope string

const (
	ScopeRenewal      Scope = "renewal"
	ScopeManualCharge Scope = "manual_charge"
)

// Generator builds deterministic idempotency keys from a scope and params.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// GenerateKey hashes scope and the sorted params. Equal inputs give equal keys.
func (g *Generator) GenerateKey(scope Scope, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(scope))
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(":%s=%v", k, params[k]))
	}

	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s-%s", scope, hex.EncodeToString(hash[:8]))
}

func (g *Generator) ValidateKey(scope Scope, params map[string]any, key string) bool {
	return g.GenerateKey(scope, params) == key
}
