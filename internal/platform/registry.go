package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrPlatformNotFound = errors.New("platform not found")

// Registry maps the platform names used in settings documents to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(name string, client Client) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("platform name is required")
	}
	if client == nil {
		return fmt.Errorf("platform %s: client is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("platform %s already registered", name)
	}
	r.clients[name] = client
	return nil
}

func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidConfig, ErrPlatformNotFound, name)
	}
	return client, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
