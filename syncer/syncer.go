// Package syncer reconciles the directory into the relational cache.
// Incremental runs refresh directory-derived fields in place; complete
// runs additionally prune computers no longer present in the directory.
package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"snm/adinventory/activedirectory"
	"snm/adinventory/database"
)

// Store is the slice of the relational cache the reconciler writes.
type Store interface {
	UpsertComputerFromAD(ctx context.Context, rec activedirectory.Record) (created bool, err error)
	MarkAllUnsynced(ctx context.Context) error
	DeleteUnsynced(ctx context.Context) (int64, error)
	DeleteOrphanWarranties(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (database.FleetStats, error)
	AppendSyncLog(ctx context.Context, entry database.SyncLog) error
}

// Directory enumerates computer accounts.
type Directory interface {
	ListComputers(ctx context.Context) ([]activedirectory.Record, error)
}

// Result summarizes one reconciliation run.
type Result struct {
	Kind    string `json:"sync_type"`
	Status  string `json:"status"`
	Found   int    `json:"found"`
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Errors  int    `json:"errors"`

	TotalBefore int `json:"total_before,omitempty"`
	TotalAfter  int `json:"total_after,omitempty"`
}

type Syncer struct {
	store Store
	dir   Directory
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, dir Directory, log *zap.Logger) *Syncer {
	return &Syncer{store: store, dir: dir, log: log, now: time.Now}
}

// Incremental upserts every directory computer, preserving the
// operator-maintained fields on rows that already exist. Per-row
// failures are counted and skipped.
func (s *Syncer) Incremental(ctx context.Context, triggeredBy string) (Result, error) {
	start := s.now()
	result := Result{Kind: database.SyncKindIncremental}

	records, err := s.dir.ListComputers(ctx)
	if err != nil {
		s.logRun(ctx, result, start, database.SyncFailed, err.Error(), triggeredBy)
		return result, fmt.Errorf("incremental sync: %w", err)
	}
	result.Found = len(records)

	for _, rec := range records {
		created, err := s.store.UpsertComputerFromAD(ctx, rec)
		if err != nil {
			s.log.Warn("skipping computer", zap.String("computer", rec.Name), zap.Error(err))
			result.Errors++
			continue
		}
		if created {
			result.Added++
		} else {
			result.Updated++
		}
	}

	result.Status = database.SyncCompleted
	if result.Errors > 0 {
		result.Status = database.SyncCompletedWithErrors
	}
	s.logRun(ctx, result, start, result.Status, "", triggeredBy)

	s.log.Info("incremental sync finished",
		zap.Int("found", result.Found),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("errors", result.Errors))
	return result, nil
}

// Complete reconciles the cache to exactly the current directory
// snapshot: every row is upserted, rows the snapshot did not reach are
// deleted, and warranty rows left without an owner are swept. An empty
// enumeration aborts before anything is deleted.
func (s *Syncer) Complete(ctx context.Context, triggeredBy string) (Result, error) {
	start := s.now()
	result := Result{Kind: database.SyncKindComplete}

	records, err := s.dir.ListComputers(ctx)
	if err != nil {
		s.logRun(ctx, result, start, database.SyncFailed, err.Error(), triggeredBy)
		return result, fmt.Errorf("complete sync: %w", err)
	}
	if len(records) == 0 {
		err := fmt.Errorf("complete sync: directory enumeration returned no computers, aborting before deletion")
		s.logRun(ctx, result, start, database.SyncFailed, err.Error(), triggeredBy)
		return result, err
	}
	result.Found = len(records)

	if before, err := s.store.Stats(ctx); err == nil {
		result.TotalBefore = before.Total
	}

	if err := s.store.MarkAllUnsynced(ctx); err != nil {
		s.logRun(ctx, result, start, database.SyncFailed, err.Error(), triggeredBy)
		return result, fmt.Errorf("complete sync: %w", err)
	}

	// A complete run rebuilds the whole set, so every surviving row
	// counts as added regardless of whether it existed before.
	for _, rec := range records {
		if _, err := s.store.UpsertComputerFromAD(ctx, rec); err != nil {
			s.log.Warn("skipping computer", zap.String("computer", rec.Name), zap.Error(err))
			result.Errors++
			continue
		}
		result.Added++
	}

	deleted, err := s.store.DeleteUnsynced(ctx)
	if err != nil {
		s.logRun(ctx, result, start, database.SyncFailed, err.Error(), triggeredBy)
		return result, fmt.Errorf("complete sync: %w", err)
	}
	result.Deleted = int(deleted)

	if swept, err := s.store.DeleteOrphanWarranties(ctx); err != nil {
		s.log.Warn("orphan warranty sweep failed", zap.Error(err))
	} else if swept > 0 {
		s.log.Info("swept orphan warranty rows", zap.Int64("rows", swept))
	}

	if after, err := s.store.Stats(ctx); err == nil {
		result.TotalAfter = after.Total
	}

	result.Status = database.SyncCompleted
	if result.Errors > 0 {
		result.Status = database.SyncCompletedWithErrors
	}
	s.logRun(ctx, result, start, result.Status, "", triggeredBy)

	s.log.Info("complete sync finished",
		zap.Int("found", result.Found),
		zap.Int("added", result.Added),
		zap.Int("deleted", result.Deleted),
		zap.Int("errors", result.Errors))
	return result, nil
}

func (s *Syncer) logRun(ctx context.Context, r Result, start time.Time, status, errMsg, triggeredBy string) {
	entry := database.SyncLog{
		Kind:         r.Kind,
		StartTime:    start,
		EndTime:      s.now(),
		Status:       status,
		Found:        r.Found,
		Added:        r.Added,
		Updated:      r.Updated,
		Errors:       r.Errors,
		ErrorMessage: errMsg,
		TriggeredBy:  triggeredBy,
	}
	if err := s.store.AppendSyncLog(ctx, entry); err != nil {
		s.log.Warn("failed to append sync log", zap.Error(err))
	}
}
