package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

// Loader reads the live rule set from storage
type Loader interface {
	ListLive(ctx context.Context) ([]*models.Rule, error)
}

// Snapshot is an immutable, priority-ordered view of the live rules.
// Callers must treat the rules as read-only.
type Snapshot struct {
	Version  int64
	Rules    []*models.Rule
	LoadedAt time.Time
}

// Registry holds the current rule snapshot. Readers take the snapshot once per
// evaluation batch, so a concurrent reload is never observed half applied.
type Registry struct {
	loader  Loader
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64

	reloadMu sync.Mutex
}

// NewRegistry creates a registry with an empty snapshot
func NewRegistry(loader Loader, logger *zap.Logger) *Registry {
	r := &Registry{loader: loader, logger: logger}
	r.current.Store(&Snapshot{Rules: []*models.Rule{}, LoadedAt: time.Now()})
	return r
}

// Snapshot returns the current snapshot
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload reads the live rules and swaps in a new snapshot
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	start := time.Now()
	live, err := r.loader.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load live rules: %w", err)
	}

	snap := &Snapshot{
		Version:  r.version.Add(1),
		Rules:    SortByPriority(FilterLive(live)),
		LoadedAt: time.Now(),
	}
	r.current.Store(snap)

	r.logger.Info("rule snapshot reloaded",
		zap.Int64("version", snap.Version),
		zap.Int("rules", len(snap.Rules)),
		zap.Duration("duration", time.Since(start)))

	return snap, nil
}
