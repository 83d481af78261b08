package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/balti-ai/balti-voice/pkg/gateway"
)

// ErrGatewayNotRegistered is returned by [Registry.CreateGateway] when no
// factory has been registered under the requested name.
var ErrGatewayNotRegistered = errors.New("config: gateway not registered")

// Registry maps gateway names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]func(GatewayConfig) (gateway.Client, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]func(GatewayConfig) (gateway.Client, error)),
	}
}

// RegisterGateway registers a gateway factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterGateway(name string, factory func(GatewayConfig) (gateway.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = factory
}

// CreateGateway instantiates a gateway client using the factory registered
// under cfg.Name. Returns [ErrGatewayNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateGateway(cfg GatewayConfig) (gateway.Client, error) {
	r.mu.RLock()
	factory, ok := r.gateways[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGatewayNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the registered gateway names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
