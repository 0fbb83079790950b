package redis

import "fmt"

// LockKey holds the token of one named distributed lock, such as
// "tracking:<key>" or "entitlement:<user>:<product>".
func LockKey(name string) string {
	return fmt.Sprintf("club:lock:%s", name)
}

// GrantOnceKey marks an access grant side effect as already emitted.
func GrantOnceKey(orderID, channel string) string {
	return fmt.Sprintf("club:grant:once:%s:%s", orderID, channel)
}

// WebhookRateLimitKey holds the sliding window of one webhook source.
func WebhookRateLimitKey(source string) string {
	return fmt.Sprintf("club:rate_limit:webhook:%s", source)
}
