package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway implements Gateway on top of the Stripe API.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// StripeOptions configures a StripeGateway.
type StripeOptions struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// Backends overrides the HTTP backends, mainly for tests.
	Backends *stripe.Backends
}

// NewStripeGateway creates a gateway bound to one secret key.
func NewStripeGateway(opts StripeOptions) *StripeGateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	api := &client.API{}
	api.Init(opts.SecretKey, opts.Backends)
	return &StripeGateway{
		api:           api,
		webhookSecret: opts.WebhookSecret,
		timeout:       opts.Timeout,
	}
}

// CreateIntent creates a payment intent with automatic payment methods enabled.
func (g *StripeGateway) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	if err := validateIntentParams(p); err != nil {
		return Intent{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, translateStripeError(err)
	}
	return intentFromStripe(pi), nil
}

// GetIntent fetches the current state of a payment intent.
func (g *StripeGateway) GetIntent(ctx context.Context, id string) (Intent, error) {
	if id == "" {
		return Intent{}, &Error{Kind: KindValidation, Code: "intent_missing", Message: "payment intent id is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return Intent{}, translateStripeError(err)
	}
	return intentFromStripe(pi), nil
}

// Refund refunds all or part of the charge behind a payment intent.
func (g *StripeGateway) Refund(ctx context.Context, p RefundParams) (RefundResult, error) {
	if err := validateRefundParams(p); err != nil {
		return RefundResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(p.IntentID)}
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if p.Reason != "" {
		params.Reason = stripe.String(p.Reason)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	params.Context = ctx

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, translateStripeError(err)
	}
	return RefundResult{ID: r.ID, Amount: r.Amount, Status: string(r.Status)}, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if g.webhookSecret == "" {
		return WebhookEvent{}, &Error{Kind: KindAuth, Code: "webhook_unconfigured", Message: "webhook secret is not configured"}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, &Error{Kind: KindAuth, Code: "signature_invalid", Message: "webhook signature verification failed", Err: err}
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && event.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return WebhookEvent{}, &Error{Kind: KindValidation, Code: "payload_invalid", Message: "malformed payment intent payload", Err: err}
		}
		intent := intentFromStripe(&pi)
		out.Intent = &intent
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}
}

// translateStripeError maps Stripe failures onto the gateway error kinds.
func translateStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUpstream, Code: "timeout", Message: "payment processor timed out", Err: err}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Kind: KindUpstream, Message: err.Error(), Err: err}
	}

	pe := &Error{Code: string(se.Code), Message: se.Msg, Err: err}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		pe.Kind = KindCard
		if se.DeclineCode != "" {
			pe.Code = string(se.DeclineCode)
		}
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		pe.Kind = KindAuth
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		pe.Kind = KindNotFound
	case se.Type == stripe.ErrorTypeInvalidRequest:
		pe.Kind = KindValidation
	default:
		pe.Kind = KindUpstream
	}
	return pe
}
