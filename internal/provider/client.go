// Package provider talks to the payment provider's HTTP API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ierr "club_billing/internal/errors"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Charge statuses reported by the provider.
const (
	ChargeSucceeded = "succeeded"
	ChargeFailed    = "failed"
)

type ChargeRequest struct {
	PaymentMethodToken string          `json:"payment_method_token"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Description        string          `json:"description,omitempty"`
	// IdempotencyKey is sent as a header; the provider deduplicates on it.
	IdempotencyKey string `json:"-"`
}

type ChargeResult struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// Subscription is a provider-side recurring payment.
type Subscription struct {
	ID          string    `json:"id"`
	TrackingKey string    `json:"tracking_key"`
	PlanTitle   string    `json:"plan_title"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type subscriptionPage struct {
	Data       []Subscription `json:"data"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is the resty-backed provider client. Every call is bounded by the
// configured timeout; a deadline hit is reported as ierr.ErrProviderTimeout
// because the provider may still have processed the request.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}
}

// Charge debits a stored payment method.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var out ChargeResult
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/charges")
	if err != nil {
		return ChargeResult{}, transportErr(err, "charge")
	}
	if resp.IsError() {
		return ChargeResult{}, statusErr(resp, apiErr, "charge")
	}
	if out.Status != ChargeSucceeded {
		return out, ierr.NewErrorf("charge %s %s: %s", out.ID, out.Status, out.FailureCode).
			WithHint(out.FailureMessage).
			Mark(ierr.ErrProviderRejected)
	}
	return out, nil
}

// ListSubscriptions walks every page of provider subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var all []Subscription
	cursor := ""
	for {
		var page subscriptionPage
		var apiErr apiError
		r := c.http.R().SetContext(ctx).SetResult(&page).SetError(&apiErr)
		if cursor != "" {
			r.SetQueryParam("cursor", cursor)
		}
		resp, err := r.Get("/v1/subscriptions")
		if err != nil {
			return nil, transportErr(err, "list subscriptions")
		}
		if resp.IsError() {
			return nil, statusErr(resp, apiErr, "list subscriptions")
		}
		all = append(all, page.Data...)
		if !page.HasMore || page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CancelSubscription stops a provider subscription. Cancelling an already
// cancelled subscription is not an error.
func (c *Client) CancelSubscription(ctx context.Context, id string) error {
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetError(&apiErr).
		Post("/v1/subscriptions/{id}/cancel")
	if err != nil {
		return transportErr(err, "cancel subscription")
	}
	if resp.StatusCode() == http.StatusConflict {
		return nil
	}
	if resp.IsError() {
		return statusErr(resp, apiErr, "cancel subscription")
	}
	return nil
}

func transportErr(err error, op string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ierr.WithError(err).
			WithHintf("%s: provider did not answer in time, the outcome is unknown", op).
			Mark(ierr.ErrProviderTimeout)
	}
	return ierr.WithError(err).WithMessage(op).Mark(ierr.ErrHTTPClient)
}

func statusErr(resp *resty.Response, apiErr apiError, op string) error {
	msg := fmt.Sprintf("%s: provider status %d", op, resp.StatusCode())
	if apiErr.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, apiErr.Code)
	}
	b := ierr.NewError(msg).WithReportableDetails(map[string]any{
		"operation":   op,
		"status_code": resp.StatusCode(),
		"error_code":  apiErr.Code,
	})
	if apiErr.Message != "" {
		b = b.WithHint(apiErr.Message)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return b.Mark(ierr.ErrNotFound)
	case resp.StatusCode() >= 500:
		return b.Mark(ierr.ErrHTTPClient)
	}
	return b.Mark(ierr.ErrProviderRejected)
}
