package queue

import (
	"fmt"
	"time"
)

// Access grant channels.
const (
	ChannelTelegram = "telegram"
	ChannelLMS      = "lms"
)

// AccessGrantMessage asks a downstream collaborator to open access for a
// user. It is emitted after the entitlement is saved.
type AccessGrantMessage struct {
	OrderID       string    `json:"order_id"`
	EntitlementID string    `json:"entitlement_id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	Channel       string    `json:"channel"`
	AccessEndAt   time.Time `json:"access_end_at"`
}

// Key is the Kafka partition key and the dedupe key of the message.
func (m AccessGrantMessage) Key() string {
	return m.OrderID + ":" + m.Channel
}

// Validate rejects messages consumers could not act on.
func (m AccessGrantMessage) Validate() error {
	if m.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if m.EntitlementID == "" {
		return fmt.Errorf("entitlement_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Channel != ChannelTelegram && m.Channel != ChannelLMS {
		return fmt.Errorf("unknown channel %q", m.Channel)
	}
	if m.AccessEndAt.IsZero() {
		return fmt.Errorf("access_end_at is required")
	}
	return nil
}
