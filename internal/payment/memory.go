package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryGateway is an in-process Gateway used when no processor credentials
// are configured and in tests. Webhook payloads are signed with
// hex(HMAC-SHA256(secret, payload)).
type MemoryGateway struct {
	mu          sync.Mutex
	intents     map[string]*Intent
	refunded    map[string]int64
	idempotent  map[string]any
	secret      string
	autoConfirm bool
	failNext    error
}

// NewMemoryGateway creates an empty in-memory gateway. With autoConfirm set,
// new intents are created already succeeded.
func NewMemoryGateway(webhookSecret string, autoConfirm bool) *MemoryGateway {
	return &MemoryGateway{
		intents:     make(map[string]*Intent),
		refunded:    make(map[string]int64),
		idempotent:  make(map[string]any),
		secret:      webhookSecret,
		autoConfirm: autoConfirm,
	}
}

// FailNext makes the next gateway call return err.
func (g *MemoryGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

// SetStatus forces the status of an existing intent.
func (g *MemoryGateway) SetStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[id]; ok {
		in.Status = status
	}
}

// Refunded returns the total refunded against an intent.
func (g *MemoryGateway) Refunded(id string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[id]
}

func (g *MemoryGateway) takeFailure() error {
	err := g.failNext
	g.failNext = nil
	return err
}

// CreateIntent implements Gateway.
func (g *MemoryGateway) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	if err := validateIntentParams(p); err != nil {
		return Intent{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return Intent{}, err
	}
	if p.IdempotencyKey != "" {
		if prev, ok := g.idempotent["intent:"+p.IdempotencyKey].(Intent); ok {
			return prev, nil
		}
	}

	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	status := "requires_payment_method"
	if g.autoConfirm {
		status = IntentStatusSucceeded
	}
	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		Amount:       p.Amount,
		Currency:     strings.ToUpper(p.Currency),
		Status:       status,
		Metadata:     meta,
	}
	g.intents[id] = in
	if p.IdempotencyKey != "" {
		g.idempotent["intent:"+p.IdempotencyKey] = *in
	}
	return *in, nil
}

// GetIntent implements Gateway.
func (g *MemoryGateway) GetIntent(ctx context.Context, id string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return Intent{}, err
	}
	in, ok := g.intents[id]
	if !ok {
		return Intent{}, &Error{Kind: KindNotFound, Code: "resource_missing", Message: "no such payment_intent: " + id}
	}
	return *in, nil
}

// Refund implements Gateway.
func (g *MemoryGateway) Refund(ctx context.Context, p RefundParams) (RefundResult, error) {
	if err := validateRefundParams(p); err != nil {
		return RefundResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return RefundResult{}, err
	}
	if p.IdempotencyKey != "" {
		if prev, ok := g.idempotent["refund:"+p.IdempotencyKey].(RefundResult); ok {
			return prev, nil
		}
	}

	in, ok := g.intents[p.IntentID]
	if !ok || in.Status != IntentStatusSucceeded {
		return RefundResult{}, &Error{Kind: KindNotFound, Code: "charge_missing", Message: "no charge is associated with this payment intent"}
	}

	remaining := in.Amount - g.refunded[p.IntentID]
	amount := p.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return RefundResult{}, &Error{Kind: KindValidation, Code: "amount_too_large", Message: "refund amount exceeds the remaining charge"}
	}

	g.refunded[p.IntentID] += amount
	res := RefundResult{ID: "re_" + strings.ReplaceAll(uuid.NewString(), "-", ""), Amount: amount, Status: "succeeded"}
	if p.IdempotencyKey != "" {
		g.idempotent["refund:"+p.IdempotencyKey] = res
	}
	return res, nil
}

type memoryEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type memoryIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// Sign returns the signature ParseWebhook expects for payload.
func (g *MemoryGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook implements Gateway. Without a webhook secret every delivery is
// rejected.
func (g *MemoryGateway) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if g.secret == "" {
		return WebhookEvent{}, &Error{Kind: KindAuth, Code: "signature_invalid", Message: "webhook signing secret is not configured"}
	}
	if !hmac.Equal([]byte(g.Sign(payload)), []byte(signature)) {
		return WebhookEvent{}, &Error{Kind: KindAuth, Code: "signature_invalid", Message: "webhook signature verification failed"}
	}

	var ev memoryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, &Error{Kind: KindValidation, Code: "payload_invalid", Message: "malformed webhook payload", Err: err}
	}
	out := WebhookEvent{ID: ev.ID, Type: ev.Type}
	if strings.HasPrefix(ev.Type, "payment_intent.") {
		var mi memoryIntent
		if err := json.Unmarshal(ev.Data.Object, &mi); err != nil {
			return WebhookEvent{}, &Error{Kind: KindValidation, Code: "payload_invalid", Message: "malformed payment intent payload", Err: err}
		}
		out.Intent = &Intent{
			ID:       mi.ID,
			Amount:   mi.Amount,
			Currency: strings.ToUpper(mi.Currency),
			Status:   mi.Status,
			Metadata: mi.Metadata,
		}
	}
	return out, nil
}

var (
	_ Gateway = (*MemoryGateway)(nil)
	_ Gateway = (*StripeGateway)(nil)
)
