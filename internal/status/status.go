// Package status folds provider status vocabularies onto the internal
// five-value enum. "succeeded" is the canonical success value; every alias
// (including the legacy "successful") is rewritten to it at write time.
package status

import (
	"strings"
)

type Normalized string

const (
	Pending   Normalized = "pending"
	Succeeded Normalized = "succeeded"
	Failed    Normalized = "failed"
	Refunded  Normalized = "refunded"
	Cancelled Normalized = "cancelled"
)

var table = map[string]Normalized{
	// pending
	"pending":     Pending,
	"new":         Pending,
	"created":     Pending,
	"processing":  Pending,
	"in_progress": Pending,
	"authorized":  Pending,
	"waiting":     Pending,
	"incomplete":  Pending,

	// succeeded
	"succeeded":  Succeeded,
	"successful": Succeeded,
	"success":    Succeeded,
	"paid":       Succeeded,
	"completed":  Succeeded,
	"complete":   Succeeded,
	"approved":   Succeeded,
	"charged":    Succeeded,
	"captured":   Succeeded,
	"settled":    Succeeded,

	// failed
	"failed":    Failed,
	"failure":   Failed,
	"declined":  Failed,
	"rejected":  Failed,
	"error":     Failed,
	"expired":   Failed,
	"timed_out": Failed,

	// refunded
	"refunded":           Refunded,
	"refund":             Refunded,
	"partially_refunded": Refunded,
	"chargeback":         Refunded,
	"reversed":           Refunded,

	// cancelled
	"cancelled": Cancelled,
	"canceled":  Cancelled,
	"voided":    Cancelled,
	"void":      Cancelled,
}

// Normalize maps a raw provider status. Unknown values map to Pending and
// report known=false so the caller can log them.
func Normalize(raw string) (Normalized, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if n, ok := table[key]; ok {
		return n, true
	}
	return Pending, false
}

// Equivalent reports whether two stored or raw values mean the same status.
func Equivalent(a, b string) bool {
	na, _ := Normalize(a)
	nb, _ := Normalize(b)
	return na == nb
}

// IsTerminalNonEvent reports statuses that close a queue item without
// materializing anything.
func (n Normalized) IsTerminalNonEvent() bool {
	switch n {
	case Failed, Cancelled, Refunded:
		return true
	}
	return false
}

func (n Normalized) Valid() bool {
	switch n {
	case Pending, Succeeded, Failed, Refunded, Cancelled:
		return true
	}
	return false
}

// Aliases returns every raw value that normalizes to n, n included.
func Aliases(n Normalized) []string {
	out := make([]string, 0, 8)
	for raw, v := range table {
		if v == n {
			out = append(out, raw)
		}
	}
	return out
}
