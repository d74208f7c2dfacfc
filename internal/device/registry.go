package device

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry resolves device IDs to descriptors from an in-memory cache
// loaded from a Repository.
//
// The cache is populated by Reload and replaced atomically; a failed reload
// keeps the previous inventory. All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a new device registry backed by repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Reload replaces the cache with the repository's current inventory.
// This should be called on startup and whenever the inventory changes.
func (r *Registry) Reload(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	next := make(map[string]*Device, len(devices))
	for i := range devices {
		next[devices[i].ID] = devices[i].DeepCopy()
	}

	r.cacheMu.Lock()
	r.cache = next
	r.cacheMu.Unlock()

	r.logger.Info("device inventory loaded", "count", len(next))
	return nil
}

// Resolve returns the descriptor for id, or ErrDeviceNotFound.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Resolve(id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return cached.DeepCopy(), nil
}

// Exists reports whether id is in the inventory.
func (r *Registry) Exists(id string) bool {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	_, ok := r.cache[id]
	return ok
}

// List returns every device sorted by ID.
// The returned devices are deep copies.
func (r *Registry) List() []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	slices.SortFunc(devices, func(a, b Device) int { return cmp.Compare(a.ID, b.ID) })
	return devices
}

// Probeable returns devices with an HTTP endpoint, sorted by ID.
func (r *Registry) Probeable() []Device {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.HasEndpoint() {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats summarises the inventory for monitoring.
type Stats struct {
	TotalDevices int
	WithEndpoint int
	ByKind       map[Kind]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByKind:       make(map[Kind]int),
	}
	for _, d := range r.cache {
		stats.ByKind[d.Kind]++
		if d.HasEndpoint() {
			stats.WithEndpoint++
		}
	}
	return stats
}
