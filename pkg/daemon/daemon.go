// Package daemon drives the periodic synchronization loop. Each tick runs
// one full mirror pass; a failed pass is logged and retried on the next tick
// rather than terminating the process.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/replicat-io/replicat/pkg/archive"
	"github.com/replicat-io/replicat/pkg/config"
	"github.com/replicat-io/replicat/pkg/journal"
	"github.com/replicat-io/replicat/pkg/metrics"
	"github.com/replicat-io/replicat/pkg/mirror"
	"github.com/replicat-io/replicat/pkg/plog"
)

// Daemon owns the sync schedule for one source/replica pair.
type Daemon struct {
	cfg  config.Config
	sink journal.Sink
}

// New builds a Daemon. The sink receives all journal events; pass
// journal.Discard to suppress them.
func New(cfg config.Config, sink journal.Sink) *Daemon {
	return &Daemon{cfg: cfg, sink: sink}
}

// Run blocks, executing one pass immediately and then one per interval,
// until ctx is cancelled. It returns nil on cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.cfg.Interval()
	plog.Info("Starting sync loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.runPass(ctx); err != nil {
			if ctx.Err() != nil {
				plog.Info("Sync loop stopped")
				return nil
			}
			plog.Error("Sync pass failed, retrying next interval", "error", err)
		}

		select {
		case <-ctx.Done():
			plog.Info("Sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single pass and returns its result. Used by the -once
// flag and by tests.
func (d *Daemon) RunOnce(ctx context.Context) error {
	return d.runPass(ctx)
}

// runPass assembles a Syncer for the current configuration, executes one
// pass, and logs its metrics. When the deletion archive is enabled, a
// per-pass archive session is attached and finalized afterwards.
func (d *Daemon) runPass(ctx context.Context) error {
	start := time.Now()

	syncer := mirror.New(d.cfg.Source, d.cfg.Replica, d.sink)
	syncer.DryRun = d.cfg.DryRun

	passMetrics := &metrics.PassMetrics{}
	syncer.Metrics = passMetrics

	var session *archive.Session
	if d.cfg.Archive.Enabled && !d.cfg.DryRun {
		format, err := archive.FormatFromString(d.cfg.Archive.Format)
		if err != nil {
			return err
		}
		session, err = archive.NewSession(d.cfg.Archive.Dir, format, start)
		if err != nil {
			return fmt.Errorf("failed to open deletion archive: %w", err)
		}
		syncer.Archiver = session
	}

	passErr := syncer.Run(ctx)

	if session != nil {
		if err := session.Close(); err != nil {
			plog.Error("Failed to finalize deletion archive", "error", err)
			if passErr == nil {
				passErr = err
			}
		} else if session.Entries() > 0 {
			plog.Info("Archived deleted files", "count", session.Entries(), "path", session.Path())
		}
	}

	passMetrics.Log()
	if passErr != nil {
		return passErr
	}

	plog.Debug("Pass complete", "duration", time.Since(start), "changes", passMetrics.Changes())

	// Archive cleanup failures never fail a successful pass.
	if d.cfg.Archive.Enabled && !d.cfg.DryRun {
		maxAge := time.Duration(d.cfg.Archive.MaxAgeDays) * 24 * time.Hour
		if err := archive.CleanOld(d.cfg.Archive.Dir, maxAge, time.Now()); err != nil {
			plog.Warn("Deletion archive cleanup failed", "error", err)
		}
	}
	return nil
}
