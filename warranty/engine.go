// Package warranty drives vendor warranty refreshes over the cached
// fleet: candidates are batched, paced against the vendor quota, and
// per-item progress is published to the job registry as it happens.
package warranty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"snm/adinventory/database"
	"snm/adinventory/dell"
	"snm/adinventory/jobs"
)

// Batches are exactly this size so per-batch progress matches what the
// UI renders. Vendor-side request batching is a separate concern.
const batchSize = 10

const (
	defaultPerTagDelay     = 2 * time.Second
	defaultInterBatchDelay = 500 * time.Millisecond

	productMaxLen = 60
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warranty_lookups_total",
		Help: "Vendor warranty lookups by outcome.",
	}, []string{"outcome"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warranty_jobs_total",
		Help: "Warranty refresh jobs by terminal status.",
	}, []string{"status"})
)

// Store is the slice of the relational cache the engine touches.
type Store interface {
	WarrantyCandidates(ctx context.Context) ([]database.WarrantyCandidate, error)
	SaveWarranty(ctx context.Context, computerID int64, w *dell.Warranty) error
	SaveWarrantyError(ctx context.Context, computerID int64, code, message string) error
	AppendSyncLog(ctx context.Context, entry database.SyncLog) error
}

// Vendor resolves a single service tag.
type Vendor interface {
	Lookup(ctx context.Context, tag string) (*dell.Warranty, error)
}

type Engine struct {
	store    Store
	vendor   Vendor
	registry *jobs.Registry
	log      *zap.Logger
	now      func() time.Time

	// Pacing; zeroed in tests.
	perTagDelay     time.Duration
	interBatchDelay time.Duration
}

func NewEngine(store Store, vendor Vendor, registry *jobs.Registry, log *zap.Logger) *Engine {
	return &Engine{
		store:           store,
		vendor:          vendor,
		registry:        registry,
		log:             log,
		now:             time.Now,
		perTagDelay:     defaultPerTagDelay,
		interBatchDelay: defaultInterBatchDelay,
	}
}

type workItem struct {
	computerID int64
	name       string
	tag        string
}

// Run executes one refresh job to completion. With updateAll false only
// candidates whose cached row is stale or errored are refreshed. Meant
// to be called on its own goroutine; progress is observable through the
// registry under jobID.
func (e *Engine) Run(ctx context.Context, jobID string, updateAll bool) error {
	start := e.now()
	e.registry.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusRunning
		j.StartedAt = start
	})

	items, err := e.collect(ctx, updateAll)
	if err != nil {
		e.fail(ctx, jobID, start, err)
		return err
	}

	total := len(items)
	totalBatches := (total + batchSize - 1) / batchSize
	e.registry.Update(jobID, func(j *jobs.Job) {
		j.Total = total
		j.TotalBatches = totalBatches
	})
	e.log.Info("warranty refresh started",
		zap.String("job_id", jobID),
		zap.Int("total", total),
		zap.Int("batches", totalBatches),
		zap.Bool("update_all", updateAll))

	success, failures := 0, 0
	for b := 0; b < totalBatches; b++ {
		batch := items[b*batchSize : min((b+1)*batchSize, total)]
		batchStart := e.now()
		e.registry.Update(jobID, func(j *jobs.Job) {
			j.CurrentBatch = b + 1
			j.CurrentBatchItems = j.CurrentBatchItems[:0]
		})

		for _, item := range batch {
			if err := e.pause(ctx, e.perTagDelay); err != nil {
				e.fail(ctx, jobID, start, err)
				return err
			}
			e.registry.Update(jobID, func(j *jobs.Job) {
				j.CurrentProcessing = item.tag
			})

			outcome := e.refreshOne(ctx, item)
			if outcome.Status == "success" {
				success++
			} else {
				failures++
			}
			e.registry.Update(jobID, func(j *jobs.Job) {
				j.Processed++
				if outcome.Status == "success" {
					j.SuccessCount++
				} else {
					j.ErrorCount++
				}
				j.CurrentBatchItems = append(j.CurrentBatchItems, outcome)
			})
		}

		batchEnd := e.now()
		e.registry.Update(jobID, func(j *jobs.Job) {
			j.LastBatchDuration = batchEnd.Sub(batchStart)
			j.BatchCompletedAt = batchEnd
		})

		if b < totalBatches-1 {
			if err := e.pause(ctx, e.interBatchDelay); err != nil {
				e.fail(ctx, jobID, start, err)
				return err
			}
		}
	}

	end := e.now()
	e.registry.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusCompleted
		j.CurrentProcessing = ""
		j.EndedAt = end
	})
	jobsTotal.WithLabelValues(string(jobs.StatusCompleted)).Inc()

	status := database.SyncCompleted
	if failures > 0 {
		status = database.SyncCompletedWithErrors
	}
	e.appendLog(ctx, database.SyncLog{
		Kind:        database.SyncKindWarranty,
		StartTime:   start,
		EndTime:     end,
		Status:      status,
		Found:       total,
		Updated:     success,
		Errors:      failures,
		TriggeredBy: "warranty_job",
	})

	e.log.Info("warranty refresh finished",
		zap.String("job_id", jobID),
		zap.Int("success", success),
		zap.Int("errors", failures))
	return nil
}

// collect reads the candidate set and keeps the rows worth refreshing.
// Tag extraction already happened store-side; rows without a usable tag
// never make it here.
func (e *Engine) collect(ctx context.Context, updateAll bool) ([]workItem, error) {
	candidates, err := e.store.WarrantyCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect warranty candidates: %w", err)
	}

	var items []workItem
	for _, cand := range candidates {
		if cand.ServiceTag == "" {
			continue
		}
		if !updateAll && !cand.NeedsUpdate {
			continue
		}
		items = append(items, workItem{computerID: cand.ComputerID, name: cand.Name, tag: cand.ServiceTag})
	}
	return items, nil
}

// refreshOne looks up and persists a single tag, classifying the result
// for the batch item list. Lookup failures are written back with the
// short retry TTL so the next scheduled job picks them up.
func (e *Engine) refreshOne(ctx context.Context, item workItem) jobs.BatchItem {
	out := jobs.BatchItem{ServiceTag: item.tag, ComputerName: item.name}

	w, err := e.vendor.Lookup(ctx, item.tag)
	if err != nil {
		var le *dell.LookupError
		if errors.As(err, &le) {
			out.Status = "api_error"
			lookupsTotal.WithLabelValues("api_error").Inc()
		} else {
			out.Status = "exception"
			lookupsTotal.WithLabelValues("exception").Inc()
		}
		out.Error = err.Error()
		if saveErr := e.store.SaveWarrantyError(ctx, item.computerID, dell.CodeOf(err), err.Error()); saveErr != nil {
			e.log.Warn("failed to record lookup error",
				zap.String("service_tag", item.tag), zap.Error(saveErr))
		}
		return out
	}

	if err := e.store.SaveWarranty(ctx, item.computerID, w); err != nil {
		out.Status = "save_error"
		out.Error = err.Error()
		lookupsTotal.WithLabelValues("save_error").Inc()
		return out
	}

	out.Status = "success"
	out.WarrantyStatus = w.Status
	if w.EndDate != nil {
		out.EndDate = w.EndDate.Format("2006-01-02")
	}
	out.Product = truncate(w.ProductLineDescription, productMaxLen)
	lookupsTotal.WithLabelValues("success").Inc()
	return out
}

func (e *Engine) fail(ctx context.Context, jobID string, start time.Time, cause error) {
	end := e.now()
	e.registry.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusFailed
		j.CurrentProcessing = ""
		j.EndedAt = end
		j.Error = cause.Error()
	})
	jobsTotal.WithLabelValues(string(jobs.StatusFailed)).Inc()
	e.appendLog(ctx, database.SyncLog{
		Kind:         database.SyncKindWarranty,
		StartTime:    start,
		EndTime:      end,
		Status:       database.SyncFailed,
		ErrorMessage: cause.Error(),
		TriggeredBy:  "warranty_job",
	})
	e.log.Error("warranty refresh failed", zap.String("job_id", jobID), zap.Error(cause))
}

func (e *Engine) appendLog(ctx context.Context, entry database.SyncLog) {
	// The job may be dying because the database is; context may already
	// be gone too. Best effort.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.store.AppendSyncLog(ctx, entry); err != nil {
		e.log.Warn("failed to append sync log", zap.Error(err))
	}
}

func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
