package ratelimiter

import (
	"fmt"
	"sync"
)

// Registry manages rate limiters keyed by provider, e.g. "image/my-openai".
type Registry interface {
	Get(key string) (Limiter, error)
	Set(key string, limiter Limiter)
	// GetOrCreate returns the limiter for key, creating it with newFn when absent.
	GetOrCreate(key string, newFn func() Limiter) Limiter
}

type mapRegistry struct {
	registry map[string]Limiter
	mu       sync.RWMutex
}

// NewRegistry creates a new in-memory rate limiter registry.
func NewRegistry() Registry {
	return &mapRegistry{
		registry: make(map[string]Limiter),
	}
}

func (r *mapRegistry) Get(key string) (Limiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limiter, exists := r.registry[key]
	if !exists {
		return nil, fmt.Errorf("rate limiter not found for %s", key)
	}
	return limiter, nil
}

func (r *mapRegistry) Set(key string, limiter Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.registry[key] = limiter
}

func (r *mapRegistry) GetOrCreate(key string, newFn func() Limiter) Limiter {
	r.mu.RLock()
	limiter, ok := r.registry[key]
	r.mu.RUnlock()
	if ok {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.registry[key]; ok {
		return limiter
	}
	limiter = newFn()
	r.registry[key] = limiter
	return limiter
}

// Key builds the registry key for a provider of a capability.
func Key(capability, provider string) string {
	return capability + "/" + provider
}
