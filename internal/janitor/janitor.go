// Package janitor implements the background retention sweeper. On a cron
// schedule it deletes stored outputs past their retention period, removes
// abandoned session directories, and expires stale approval requests.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/output"
	"github.com/jkaninda/ngome/internal/permission"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Janitor sweeps expired state on a cron schedule.
type Janitor struct {
	store     *output.Store
	index     *output.Index
	broker    *permission.Broker   // nil = approval expiry skipped.
	workspace *workspace.Workspace // nil = session dir cleanup skipped.
	logger    *slog.Logger

	retention time.Duration
	schedule  cron.Schedule
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	OutputsDeleted  int
	SessionsDeleted int
	Errors          int
}

// New creates a Janitor sweeping outputs older than retention on the
// configured cron schedule.
func New(cfg *config.JanitorConfig, retention time.Duration, store *output.Store, index *output.Index, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", cfg.CronSchedule(), err)
	}

	return &Janitor{
		store:     store,
		index:     index,
		logger:    logger,
		retention: retention,
		schedule:  schedule,
	}, nil
}

// WithBroker enables stale approval expiry during sweeps.
func (j *Janitor) WithBroker(broker *permission.Broker) *Janitor {
	j.broker = broker
	return j
}

// WithWorkspace enables abandoned session directory cleanup during sweeps.
func (j *Janitor) WithWorkspace(ws *workspace.Workspace) *Janitor {
	j.workspace = ws
	return j
}

// Start begins the sweep loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.Info("janitor started",
			slog.String("retention", j.retention.String()),
			slog.String("next_sweep", j.schedule.Next(time.Now()).Format(time.RFC3339)),
		)

		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("janitor stopped")
				return
			case <-timer.C:
				result := j.Sweep(ctx)
				j.logger.Info("janitor sweep complete",
					slog.Int("outputs_deleted", result.OutputsDeleted),
					slog.Int("sessions_deleted", result.SessionsDeleted),
					slog.Int("errors", result.Errors),
				)
			}
		}
	}()

	return cancel
}

// Sweep runs a single pass immediately. Safe to call concurrently with
// the scheduled loop.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	cutoff := time.Now().Add(-j.retention)

	result.OutputsDeleted, result.Errors = j.sweepOutputs(ctx, cutoff)

	if j.workspace != nil {
		deleted, errs := j.sweepSessions(cutoff)
		result.SessionsDeleted = deleted
		result.Errors += errs
	}

	if j.broker != nil {
		j.broker.Cleanup()
	}

	return result
}

// sweepOutputs drops index records older than cutoff and removes their
// files. A file that fails to delete is logged but does not stop the
// sweep; its index record is already gone, so the next pass will not
// retry it.
func (j *Janitor) sweepOutputs(ctx context.Context, cutoff time.Time) (deleted, errs int) {
	records, err := j.index.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("output index sweep failed", slog.String("error", err.Error()))
		return 0, 1
	}

	for _, rec := range records {
		if err := j.store.Remove(rec.URL); err != nil {
			j.logger.Warn("removing expired output failed",
				slog.String("url", rec.URL),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		deleted++
	}
	return deleted, errs
}

// sweepSessions removes session working directories not touched since
// cutoff. Directories belonging to live sessions keep a recent mtime
// through command execution, so only abandoned ones age out.
func (j *Janitor) sweepSessions(cutoff time.Time) (deleted, errs int) {
	workDir := j.workspace.WorkDir()
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0
		}
		j.logger.Error("reading work dir failed", slog.String("error", err.Error()))
		return 0, 1
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs++
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(workDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("removing stale session dir failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		deleted++
	}
	return deleted, errs
}
