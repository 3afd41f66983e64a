package features

import (
	"fmt"
	"sort"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*FeatureFlag)}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	return exists && flag.Enabled
}

// Set toggles a registered flag.
func (m *Manager) Set(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if !exists {
		return fmt.Errorf("unknown feature flag %q", name)
	}
	flag.Enabled = enabled
	return nil
}

// List returns a copy of all flags sorted by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FeatureFlag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Feature flag names.
const (
	// FeatureLiveUpdates enables websocket seat-count streaming
	FeatureLiveUpdates = "live_updates"
	// FeatureIdempotencyCache replays payment responses for repeated idempotency keys
	FeatureIdempotencyCache = "idempotency_cache"
	// FeatureRefundAccounting updates admin revenue counters when partial refunds are issued
	FeatureRefundAccounting = "refund_accounting"
	// FeatureWebhookConfirmation lets payment_intent.succeeded webhooks confirm bookings
	FeatureWebhookConfirmation = "webhook_confirmation"
)

// RegisterDefaults registers every known flag, using overrides where present.
func (m *Manager) RegisterDefaults(overrides map[string]bool) {
	defaults := []FeatureFlag{
		{Name: FeatureLiveUpdates, Enabled: true, Description: "Stream seat availability over websockets"},
		{Name: FeatureIdempotencyCache, Enabled: true, Description: "Replay payment responses by idempotency key"},
		{Name: FeatureRefundAccounting, Enabled: true, Description: "Adjust admin revenue on partial refunds"},
		{Name: FeatureWebhookConfirmation, Enabled: true, Description: "Confirm bookings from processor webhooks"},
	}
	for _, f := range defaults {
		enabled := f.Enabled
		if v, ok := overrides[f.Name]; ok {
			enabled = v
		}
		m.Register(f.Name, enabled, f.Description)
	}
}
