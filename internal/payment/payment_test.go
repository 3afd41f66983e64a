package payment

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

func TestTranslateStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		code string
	}{
		{
			name: "card declined",
			err:  &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds", HTTPStatusCode: 402},
			want: KindCard,
			code: "insufficient_funds",
		},
		{
			name: "bad key",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusUnauthorized},
			want: KindAuth,
		},
		{
			name: "missing resource",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404},
			want: KindNotFound,
			code: string(stripe.ErrorCodeResourceMissing),
		},
		{
			name: "invalid request",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400},
			want: KindValidation,
		},
		{
			name: "api error",
			err:  &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500},
			want: KindUpstream,
		},
		{
			name: "timeout",
			err:  context.DeadlineExceeded,
			want: KindUpstream,
			code: "timeout",
		},
		{
			name: "transport",
			err:  errors.New("connection reset"),
			want: KindUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe, ok := AsError(translateStripeError(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, pe.Kind)
			if tt.code != "" {
				assert.Equal(t, tt.code, pe.Code)
			}
		})
	}
}

func TestStripeGateway_RejectsInvalidParamsLocally(t *testing.T) {
	g := NewStripeGateway(StripeOptions{SecretKey: "sk_test_x"})

	_, err := g.CreateIntent(context.Background(), IntentParams{Amount: 0, Currency: "usd"})
	assert.True(t, IsKind(err, KindValidation))

	_, err = g.Refund(context.Background(), RefundParams{})
	assert.True(t, IsKind(err, KindValidation))

	_, err = g.GetIntent(context.Background(), "")
	assert.True(t, IsKind(err, KindValidation))
}

func TestStripeGateway_ParseWebhook(t *testing.T) {
	secret := "whsec_test"
	g := NewStripeGateway(StripeOptions{SecretKey: "sk_test_x", WebhookSecret: secret})
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",` +
		`"data":{"object":{"id":"pi_1","object":"payment_intent","amount":37380,"currency":"usd",` +
		`"status":"succeeded","metadata":{"booking_id":"b-1"}}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	ev, err := g.ParseWebhook(payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, EventIntentSucceeded, ev.Type)
	require.NotNil(t, ev.Intent)
	assert.Equal(t, "pi_1", ev.Intent.ID)
	assert.Equal(t, int64(37380), ev.Intent.Amount)
	assert.Equal(t, "USD", ev.Intent.Currency)
	assert.Equal(t, "b-1", ev.Intent.Metadata["booking_id"])

	_, err = g.ParseWebhook(payload, "t=1,v1=deadbeef")
	assert.True(t, IsKind(err, KindAuth))
}

func TestMemoryGateway_IntentLifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway("secret", false)

	in, err := g.CreateIntent(ctx, IntentParams{Amount: 10000, Currency: "usd", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.NotEmpty(t, in.ClientSecret)
	assert.Equal(t, "USD", in.Currency)

	again, err := g.CreateIntent(ctx, IntentParams{Amount: 10000, Currency: "usd", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, in.ID, again.ID, "idempotency key returns the same intent")

	_, err = g.Refund(ctx, RefundParams{IntentID: in.ID})
	assert.True(t, IsKind(err, KindNotFound), "unpaid intents have no charge")

	g.SetStatus(in.ID, IntentStatusSucceeded)

	r, err := g.Refund(ctx, RefundParams{IntentID: in.ID, Amount: 4000})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), r.Amount)

	_, err = g.Refund(ctx, RefundParams{IntentID: in.ID, Amount: 7000})
	assert.True(t, IsKind(err, KindValidation))

	rest, err := g.Refund(ctx, RefundParams{IntentID: in.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), rest.Amount)
	assert.Equal(t, int64(10000), g.Refunded(in.ID))

	_, err = g.GetIntent(ctx, "pi_missing")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestMemoryGateway_FailNext(t *testing.T) {
	g := NewMemoryGateway("", true)
	g.FailNext(&Error{Kind: KindCard, Code: "card_declined", Message: "Your card was declined."})

	_, err := g.CreateIntent(context.Background(), IntentParams{Amount: 100, Currency: "usd"})
	assert.True(t, IsKind(err, KindCard))

	in, err := g.CreateIntent(context.Background(), IntentParams{Amount: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, IntentStatusSucceeded, in.Status)
}

func TestMemoryGateway_ParseWebhook(t *testing.T) {
	g := NewMemoryGateway("whsec", false)
	payload := []byte(`{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","amount":500,"currency":"eur","status":"requires_payment_method"}}}`)

	ev, err := g.ParseWebhook(payload, g.Sign(payload))
	require.NoError(t, err)
	assert.Equal(t, EventIntentFailed, ev.Type)
	require.NotNil(t, ev.Intent)
	assert.Equal(t, "EUR", ev.Intent.Currency)

	_, err = g.ParseWebhook(payload, "bad")
	assert.True(t, IsKind(err, KindAuth))
}

func TestMemoryGateway_RejectsWebhooksWithoutSecret(t *testing.T) {
	g := NewMemoryGateway("", true)
	payload := []byte(`{"id":"evt_3","type":"payment_intent.succeeded","data":{"object":{"id":"pi_3","amount":500,"currency":"usd","status":"succeeded"}}}`)

	_, err := g.ParseWebhook(payload, g.Sign(payload))
	assert.True(t, IsKind(err, KindAuth), "an empty-key signature is forgeable")
}
