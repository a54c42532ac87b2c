package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ConfigSource supplies per-channel integration configs. It is implemented
// by the pgx-backed store in internal/integration and by fakes in tests.
type ConfigSource interface {
	GetConfig(ctx context.Context, channelType Type) (IntegrationConfig, error)
	ListActive(ctx context.Context) ([]IntegrationConfig, error)
}

// Registry holds all registered channel adapters and tracks which of them
// have been initialized with valid credentials. It must be created via
// NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
	ready    map[Type]bool
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		adapters: map[Type]Adapter{},
		ready:    map[Type]bool{},
		logger:   log.With(slog.String("component", "channel_registry")),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is nil")
	}
	ct := Type(strings.TrimSpace(strings.ToLower(adapter.Type().String())))
	if ct == "" {
		return errors.New("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType Type) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// Types returns all registered channel types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Type, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// Ready reports whether the channel has been initialized with credentials.
func (r *Registry) Ready(channelType Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready[channelType]
}

// GetCallParser returns the CallParser for the given channel type, or false if unsupported.
func (r *Registry) GetCallParser(channelType Type) (CallParser, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	parser, ok := adapter.(CallParser)
	return parser, ok
}

// GetChallengeVerifier returns the ChallengeVerifier for the given channel type, or false if unsupported.
func (r *Registry) GetChallengeVerifier(channelType Type) (ChallengeVerifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	verifier, ok := adapter.(ChallengeVerifier)
	return verifier, ok
}

// GetConfirmationResponder returns the ConfirmationResponder for the given channel type, or false if unsupported.
func (r *Registry) GetConfirmationResponder(channelType Type) (ConfirmationResponder, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	responder, ok := adapter.(ConfirmationResponder)
	return responder, ok
}

// LoadConfigs initializes every registered adapter that has an active
// config in the source. A channel that fails initialization is left
// unavailable and logged; other channels are unaffected.
func (r *Registry) LoadConfigs(ctx context.Context, source ConfigSource) error {
	configs, err := source.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list integration configs: %w", err)
	}
	for _, cfg := range configs {
		adapter, ok := r.Get(cfg.Channel)
		if !ok {
			r.logger.Warn("no adapter registered for configured channel", slog.String("channel", cfg.Channel.String()))
			continue
		}
		if err := adapter.Initialize(cfg); err != nil {
			r.logger.Error("channel initialization failed",
				slog.String("channel", cfg.Channel.String()),
				slog.Any("error", err),
			)
			r.setReady(cfg.Channel, false)
			continue
		}
		r.setReady(cfg.Channel, true)
		r.logger.Info("channel initialized", slog.String("channel", cfg.Channel.String()))
	}
	return nil
}

// Reload re-initializes one channel from the config source. Used after
// credential rotation; in-flight calls keep the previous bundle, new calls
// observe the rotated one.
func (r *Registry) Reload(ctx context.Context, source ConfigSource, channelType Type) error {
	adapter, ok := r.Get(channelType)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", channelType)
	}
	cfg, err := source.GetConfig(ctx, channelType)
	if err != nil {
		return fmt.Errorf("load config for %s: %w", channelType, err)
	}
	if !cfg.Active {
		r.setReady(channelType, false)
		r.logger.Info("channel deactivated", slog.String("channel", channelType.String()))
		return nil
	}
	if err := adapter.Initialize(cfg); err != nil {
		r.setReady(channelType, false)
		return err
	}
	r.setReady(channelType, true)
	r.logger.Info("channel reloaded", slog.String("channel", channelType.String()))
	return nil
}

func (r *Registry) setReady(channelType Type, value bool) {
	r.mu.Lock()
	r.ready[channelType] = value
	r.mu.Unlock()
}
