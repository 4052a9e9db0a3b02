// Package jobs tracks long-running background work in process memory.
// Crashes lose in-flight jobs on purpose: durable progress lives in the
// cache rows the jobs write.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind separates job families so admission control for one family never
// trips over the other.
type Kind string

const (
	KindWarrantyRefresh Kind = "warranty_refresh"
	KindFleetScan       Kind = "fleet_scan"
)

// BatchItem is one per-item outcome within the current batch.
type BatchItem struct {
	ServiceTag     string `json:"service_tag"`
	ComputerName   string `json:"computer_name"`
	Status         string `json:"status"`
	WarrantyStatus string `json:"warranty_status,omitempty"`
	EndDate        string `json:"end_date,omitempty"`
	Product        string `json:"product,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Job is a progress snapshot of one background run. Writers mutate it
// only through Registry.Update; readers receive copies.
type Job struct {
	ID                string        `json:"job_id"`
	Kind              Kind          `json:"kind"`
	Status            Status        `json:"status"`
	Total             int           `json:"total"`
	Processed         int           `json:"processed"`
	SuccessCount      int           `json:"success_count"`
	ErrorCount        int           `json:"error_count"`
	CurrentBatch      int           `json:"current_batch"`
	TotalBatches      int           `json:"total_batches"`
	CurrentProcessing string        `json:"current_processing,omitempty"`
	CurrentBatchItems []BatchItem   `json:"current_batch_items"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	EndedAt           time.Time     `json:"ended_at,omitzero"`
	BatchCompletedAt  time.Time     `json:"batch_completed_at,omitzero"`
	LastBatchDuration time.Duration `json:"-"`
	Error             string        `json:"error,omitempty"`
}

// ProgressPercent is floor(100 * processed / total).
func (j Job) ProgressPercent() int {
	if j.Total <= 0 {
		if j.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return j.Processed * 100 / j.Total
}

// EstimatedRemaining predicts how long the job still needs. Batch-based
// estimation is preferred once a full batch has completed; before that it
// falls back to per-item throughput. The second return is false while
// there is not enough signal to estimate.
func (j Job) EstimatedRemaining(now time.Time) (time.Duration, bool) {
	if j.Status != StatusRunning || j.StartedAt.IsZero() || j.Processed == 0 {
		return 0, false
	}
	elapsed := now.Sub(j.StartedAt)
	if elapsed <= 0 {
		return 0, false
	}

	if completed := j.CurrentBatch - 1; completed > 0 && j.LastBatchDuration > 0 {
		avg := elapsed / time.Duration(completed)
		remaining := j.TotalBatches - j.CurrentBatch
		if remaining < 0 {
			remaining = 0
		}
		return avg * time.Duration(remaining), true
	}

	perItem := elapsed / time.Duration(j.Processed)
	return perItem * time.Duration(j.Total-j.Processed), true
}

// Registry is a process-wide job table guarded by one mutex. Critical
// sections are limited to small snapshot mutations.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a fresh pending job and returns its identifier.
func (r *Registry) Create(kind Kind) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &Job{ID: id, Kind: kind, Status: StatusPending}
	return id
}

// CreateExclusive registers a fresh pending job unless one of the same
// kind is already pending or running. The check and the insert share one
// critical section, so two racing callers cannot both win. On conflict
// it returns a snapshot of the blocking job and false.
func (r *Registry) CreateExclusive(kind Kind) (string, Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.Kind == kind && (job.Status == StatusPending || job.Status == StatusRunning) {
			return "", snapshot(job), false
		}
	}
	id := uuid.NewString()
	r.jobs[id] = &Job{ID: id, Kind: kind, Status: StatusPending}
	return id, Job{}, true
}

// Update applies fn to the job under the registry lock. It reports
// whether the job exists.
func (r *Registry) Update(id string, fn func(*Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// Get returns a consistent copy of the job snapshot.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return snapshot(job), true
}

// Active lists pending or running jobs of the given kind.
func (r *Registry) Active(kind Kind) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]Job, 0)
	for _, job := range r.jobs {
		if job.Kind == kind && (job.Status == StatusPending || job.Status == StatusRunning) {
			active = append(active, snapshot(job))
		}
	}
	return active
}

func snapshot(job *Job) Job {
	copied := *job
	copied.CurrentBatchItems = append([]BatchItem(nil), job.CurrentBatchItems...)
	return copied
}
