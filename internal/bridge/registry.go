package bridge

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered platform connectors. It is populated once at
// startup and passed explicitly to the components that need it.
type Registry struct {
	mu         sync.RWMutex
	connectors map[PlatformID]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: map[PlatformID]Connector{},
	}
}

// Register adds a connector to the registry.
func (r *Registry) Register(conn Connector) error {
	if conn == nil {
		return fmt.Errorf("connector is nil")
	}
	id := normalizePlatformID(conn.PlatformID().String())
	if id == "" {
		return fmt.Errorf("platform id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[id]; exists {
		return fmt.Errorf("platform already registered: %s", id)
	}
	r.connectors[id] = conn
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(conn Connector) {
	if err := r.Register(conn); err != nil {
		panic(err)
	}
}

// Get returns the connector for the given platform id.
func (r *Registry) Get(platformID PlatformID) (Connector, bool) {
	id := normalizePlatformID(platformID.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[id]
	return conn, ok
}

// List returns all registered connectors.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Connector, 0, len(r.connectors))
	for _, conn := range r.connectors {
		items = append(items, conn)
	}
	return items
}

// Platforms returns all registered platform ids.
func (r *Registry) Platforms() []PlatformID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]PlatformID, 0, len(r.connectors))
	for id := range r.connectors {
		items = append(items, id)
	}
	return items
}

// ParsePlatformID validates and normalizes a raw string into a registered
// PlatformID.
func (r *Registry) ParsePlatformID(raw string) (PlatformID, error) {
	id := normalizePlatformID(raw)
	if id == "" {
		return "", fmt.Errorf("unsupported platform: %s", raw)
	}
	if _, ok := r.Get(id); !ok {
		return "", fmt.Errorf("unsupported platform: %s", raw)
	}
	return id, nil
}

func normalizePlatformID(raw string) PlatformID {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return PlatformID(normalized)
}
