// Package registry maps (capability, purpose) pairs to factories. It is filled
// by an explicit init list at process start; nothing is discovered at runtime.
package registry

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
)

// Props are the string properties handed to a factory.
type Props map[string]string

// String returns the property or def when missing.
func (p Props) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the property parsed as int or def when missing or malformed.
func (p Props) Int(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(p[key]))
	if err != nil {
		return def
	}
	return v
}

// Decimal returns the property parsed as decimal or def when missing or malformed.
func (p Props) Decimal(key string, def decimal.Decimal) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(p[key]))
	if err != nil {
		return def
	}
	return v
}

// Strings splits a comma separated property.
func (p Props) Strings(key string) []string {
	raw := strings.TrimSpace(p[key])
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Key identifies one registered implementation.
type Key struct {
	Capability string
	Purpose    string
}

func (k Key) String() string {
	return k.Capability + "/" + k.Purpose
}

// Registry holds factories keyed by capability and purpose.
type Registry struct {
	mu        sync.RWMutex
	factories map[Key]any
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[Key]any)}
}

// Register adds a factory producing T. Registering the same key twice fails.
func Register[T any](r *Registry, capability, purpose string, f func(Props) (T, error)) error {
	if f == nil {
		return fmt.Errorf("registry: nil factory for %s/%s", capability, purpose)
	}
	k := Key{Capability: capability, Purpose: purpose}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[k]; ok {
		return fmt.Errorf("registry: %s already registered", k)
	}
	r.factories[k] = f
	return nil
}

// Build runs the factory registered under (capability, purpose).
func Build[T any](r *Registry, capability, purpose string, props Props) (T, error) {
	var zero T
	k := Key{Capability: capability, Purpose: purpose}

	r.mu.RLock()
	raw, ok := r.factories[k]
	r.mu.RUnlock()
	if !ok {
		return zero, domain.Errorf(domain.ErrCodeUnknownProvider, "no implementation registered for %s", k)
	}
	f, ok := raw.(func(Props) (T, error))
	if !ok {
		return zero, fmt.Errorf("registry: %s was registered with a different type", k)
	}
	return f(props)
}

// Purposes lists the purposes registered for a capability, sorted.
func (r *Registry) Purposes(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for k := range r.factories {
		if k.Capability == capability {
			out = append(out, k.Purpose)
		}
	}
	slices.Sort(out)
	return out
}
