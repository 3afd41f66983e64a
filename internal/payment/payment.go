// Package payment talks to the card processor: creating payment intents,
// issuing refunds and verifying webhook deliveries.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds every call to the processor.
const DefaultTimeout = 10 * time.Second

// Intent statuses reported by the processor.
const (
	IntentStatusSucceeded      = "succeeded"
	IntentStatusProcessing     = "processing"
	IntentStatusRequiresAction = "requires_action"
	IntentStatusCanceled       = "canceled"
)

// Webhook event types the service reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded  = "charge.refunded"
)

// IntentParams describes a payment intent to create.
type IntentParams struct {
	Amount         int64 // minor units
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	Metadata     map[string]string
}

// RefundParams describes a refund. Amount zero refunds the remaining balance.
type RefundParams struct {
	IntentID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// RefundResult is the processor's answer to a refund request.
type RefundResult struct {
	ID     string
	Amount int64
	Status string
}

// WebhookEvent is a verified webhook delivery.
type WebhookEvent struct {
	ID     string
	Type   string
	Intent *Intent // set for payment_intent.* events
}

// Gateway is the card processor contract used by the service layer.
type Gateway interface {
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	Refund(ctx context.Context, p RefundParams) (RefundResult, error)
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// Kind classifies processor failures.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindAuth       Kind = "authentication_error"
	KindNotFound   Kind = "not_found"
	KindCard       Kind = "card_error"
	KindUpstream   Kind = "api_error"
)

// Error is returned by Gateway implementations.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("payment %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a payment error of kind k.
func IsKind(err error, k Kind) bool {
	pe, ok := AsError(err)
	return ok && pe.Kind == k
}

func validateIntentParams(p IntentParams) error {
	if p.Amount <= 0 {
		return &Error{Kind: KindValidation, Code: "amount_invalid", Message: "amount must be greater than zero"}
	}
	if len(p.Currency) != 3 {
		return &Error{Kind: KindValidation, Code: "currency_invalid", Message: "currency must be a 3-letter ISO code"}
	}
	return nil
}

func validateRefundParams(p RefundParams) error {
	if p.IntentID == "" {
		return &Error{Kind: KindValidation, Code: "intent_missing", Message: "payment intent id is required"}
	}
	if p.Amount < 0 {
		return &Error{Kind: KindValidation, Code: "amount_invalid", Message: "refund amount cannot be negative"}
	}
	return nil
}
