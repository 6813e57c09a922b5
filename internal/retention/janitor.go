// Package retention ages soft-deleted turns out of the hot store.
//
// Deleting a turn through the API only flags it, so the row survives as
// an undo window and stays visible to migration tooling. The janitor
// sweeps on an interval, finds flagged turns older than the retention
// window, optionally archives them as JSONL through a registered
// Archiver, and then purges them. Rows are purged only after a
// successful archive write.
//
// Audit events are not handled here: both stores evict those in their
// own TTL loops (ROUNDTABLE_AUDIT_TTL).
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/internal/store"
	"github.com/roundtable-ai/roundtable/pkg/contracts"
)

// DefaultRetentionDays is how long a soft-deleted turn survives before
// the janitor picks it up.
const DefaultRetentionDays = 30

// DefaultBatchSize is the max rows per archive write and purge call.
const DefaultBatchSize = 1000

// CycleStats tracks what happened in a single retention sweep.
type CycleStats struct {
	TurnsArchived int
	TurnsPurged   int
	Errors        []error
}

// Janitor periodically archives and purges expired soft-deleted turns.
type Janitor struct {
	store    store.Store
	interval time.Duration
	window   time.Duration

	// archivers is a registry of pluggable cold-storage backends.
	archivers      map[string]contracts.Archiver
	driverMu       sync.RWMutex
	defaultBackend string
}

// NewJanitor creates a retention janitor. The window is how long a
// soft-deleted turn is kept before purging; non-positive falls back to
// DefaultRetentionDays.
func NewJanitor(s store.Store, interval, window time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if window <= 0 {
		window = DefaultRetentionDays * 24 * time.Hour
	}
	return &Janitor{
		store:     s,
		interval:  interval,
		window:    window,
		archivers: make(map[string]contracts.Archiver),
	}
}

// RegisterArchiver adds a cold-storage driver. The first registered
// driver becomes the default backend.
func (j *Janitor) RegisterArchiver(driver contracts.Archiver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := driver.Kind()
	if len(j.archivers) == 0 {
		j.defaultBackend = kind
	}
	j.archivers[kind] = driver
	log.Info().Str("kind", kind).Msg("Archive driver registered")
}

// GetArchiver returns the registered driver for the given kind.
func (j *Janitor) GetArchiver(kind string) (contracts.Archiver, bool) {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	d, ok := j.archivers[kind]
	return d, ok
}

// ListArchivers returns the kinds of all registered drivers.
func (j *Janitor) ListArchivers() []string {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	kinds := make([]string, 0, len(j.archivers))
	for k := range j.archivers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Start runs the janitor until ctx is canceled. Callers run it in a
// goroutine; the first sweep happens immediately.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("window", j.window).
		Strs("archivers", j.ListArchivers()).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and reports what it did. Exported so
// operators can trigger a sweep outside the schedule.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	cutoff := start.Add(-j.window)

	var stats CycleStats
	for {
		rows, err := j.store.ListDeletedTurns(ctx, cutoff, DefaultBatchSize)
		if err != nil {
			log.Warn().Err(err).Msg("Retention sweep: listing deleted turns failed")
			stats.Errors = append(stats.Errors, err)
			break
		}
		if len(rows) == 0 {
			break
		}

		if driver, ok := j.defaultArchiver(); ok {
			uri, err := driver.ArchiveTurns(ctx, rows)
			if err != nil {
				log.Warn().Err(err).
					Str("backend", driver.Kind()).
					Int("batch_size", len(rows)).
					Msg("Archive failed, skipping purge")
				stats.Errors = append(stats.Errors, err)
				break
			}
			stats.TurnsArchived += len(rows)
			log.Debug().Str("uri", uri).Int("count", len(rows)).Msg("Archived expired turns")
		}

		ids := make([]string, len(rows))
		for i, t := range rows {
			ids[i] = t.ID
		}
		purged, err := j.store.PurgeTurns(ctx, ids)
		stats.TurnsPurged += purged
		if err != nil {
			log.Warn().Err(err).Msg("Retention sweep: purge failed")
			stats.Errors = append(stats.Errors, err)
			break
		}

		if len(rows) < DefaultBatchSize {
			break
		}
	}

	if stats.TurnsPurged > 0 || stats.TurnsArchived > 0 {
		log.Info().
			Int("purged", stats.TurnsPurged).
			Int("archived", stats.TurnsArchived).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) defaultArchiver() (contracts.Archiver, bool) {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	d, ok := j.archivers[j.defaultBackend]
	return d, ok
}
