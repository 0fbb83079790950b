// Package trackingkey encodes and decodes the opaque strings that correlate
// provider-side payment events with internal orders and payment links.
//
// Three shapes are accepted:
//
//	link:<payment_link_id>
//	link:order:<order_id>
//	<order_id>               (bare order reference)
//
// Decoding never fails. Anything that does not fit is treated as a payment
// link whose id is the raw remainder, and Key.Valid reports false.
package trackingkey

import (
	"strings"
	"unicode"
)

type Kind string

const (
	KindOrder Kind = "order"
	KindLink  Kind = "link"
)

const (
	linkPrefix  = "link:"
	orderPrefix = "order:"
)

// Key is a decoded tracking key.
type Key struct {
	Kind    Kind   `json:"kind"`
	OrderID string `json:"order_id,omitempty"`
	LinkID  string `json:"link_id,omitempty"`
	// Valid is false when the input was malformed and a best-effort
	// link id was derived instead.
	Valid bool `json:"valid"`
}

// Ref returns the id carried by the key regardless of kind.
func (k Key) Ref() string {
	if k.Kind == KindOrder {
		return k.OrderID
	}
	return k.LinkID
}

// String returns the canonical encoding. Bare order references
// canonicalize to the link:order: form.
func (k Key) String() string {
	return Format(k.Kind, k.Ref())
}

// Parse decodes key. It is total.
func Parse(key string) Key {
	raw := strings.TrimSpace(key)

	if rest, ok := strings.CutPrefix(raw, linkPrefix); ok {
		if id, ok := strings.CutPrefix(rest, orderPrefix); ok && validID(id) {
			return Key{Kind: KindOrder, OrderID: id, Valid: true}
		}
		return Key{Kind: KindLink, LinkID: rest, Valid: ValidID(KindLink, rest)}
	}

	if validID(raw) && !strings.Contains(raw, ":") {
		return Key{Kind: KindOrder, OrderID: raw, Valid: true}
	}
	return Key{Kind: KindLink, LinkID: raw, Valid: false}
}

// Format encodes id as a tracking key of the given kind.
func Format(kind Kind, id string) string {
	if kind == KindOrder {
		return linkPrefix + orderPrefix + id
	}
	return linkPrefix + id
}

// ValidID reports whether id survives a Format/Parse round trip for kind.
func ValidID(kind Kind, id string) bool {
	if !validID(id) {
		return false
	}
	if kind == KindLink {
		return !strings.HasPrefix(id, orderPrefix)
	}
	return true
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	return strings.IndexFunc(id, unicode.IsSpace) < 0
}
