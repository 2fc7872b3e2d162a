package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/conductor/internal/infra/storage"
)

// KeyPruner drops idle per-key state, such as an in-process rate limiter.
type KeyPruner interface {
	Prune() int
}

// Pruner deletes old data based on retention policy.
type Pruner struct {
	retention time.Duration
	history   storage.JobRepository
	keys      KeyPruner
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. history and keys may be nil.
func NewPruner(retention time.Duration, history storage.JobRepository, keys KeyPruner) *Pruner {
	return &Pruner{
		retention: retention,
		history:   history,
		keys:      keys,
		now:       time.Now,
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 && p.keys == nil {
		return // Nothing to prune
	}

	// Calculate check interval (10% of retention period, between 1 minute and 1 hour)
	interval := time.Hour
	if p.retention > 0 {
		interval = min(p.retention/10, time.Hour)
	}
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass.
func (p *Pruner) Prune(ctx context.Context) {
	if p.history != nil && p.retention > 0 {
		threshold := p.now().Add(-p.retention)
		n, err := p.history.DeleteBefore(ctx, threshold)
		if err != nil {
			slog.Error("Failed to prune job history", "before", threshold, "error", err)
		} else if n > 0 {
			slog.Info("Pruned job history", "deleted", n, "before", threshold)
		}
	}

	if p.keys != nil {
		if n := p.keys.Prune(); n > 0 {
			slog.Debug("Pruned idle rate limit keys", "count", n)
		}
	}
}
