package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKeyIsDeterministic(t *testing.T) {
	g := NewGenerator()
	a := g.GenerateKey(ScopeRenewal, map[string]any{"entitlement_id": "e1", "period_end": "2025-03-01"})
	b := g.GenerateKey(ScopeRenewal, map[string]any{"period_end": "2025-03-01", "entitlement_id": "e1"})

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "renewal-"))
	assert.True(t, g.ValidateKey(ScopeRenewal, map[string]any{"entitlement_id": "e1", "period_end": "2025-03-01"}, a))
}

func TestGenerateKeyDiffersByPeriodAndScope(t *testing.T) {
	g := NewGenerator()
	a := g.GenerateKey(ScopeRenewal, map[string]any{"entitlement_id": "e1", "period_end": "2025-03-01"})
	b := g.GenerateKey(ScopeRenewal, map[string]any{"entitlement_id": "e1", "period_end": "2025-03-31"})
	c := g.GenerateKey(ScopeManualCharge, map[string]any{"entitlement_id": "e1", "period_end": "2025-03-01"})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
