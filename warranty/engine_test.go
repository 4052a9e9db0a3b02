package warranty

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"snm/adinventory/database"
	"snm/adinventory/dell"
	"snm/adinventory/jobs"
)

type fakeStore struct {
	candidates    []database.WarrantyCandidate
	candidatesErr error

	saved      map[int64]*dell.Warranty
	savedErrs  map[int64]string
	saveFailOn map[int64]error
	logs       []database.SyncLog
}

func newFakeStore(candidates ...database.WarrantyCandidate) *fakeStore {
	return &fakeStore{
		candidates: candidates,
		saved:      make(map[int64]*dell.Warranty),
		savedErrs:  make(map[int64]string),
		saveFailOn: make(map[int64]error),
	}
}

func (s *fakeStore) WarrantyCandidates(context.Context) ([]database.WarrantyCandidate, error) {
	return s.candidates, s.candidatesErr
}

func (s *fakeStore) SaveWarranty(_ context.Context, computerID int64, w *dell.Warranty) error {
	if err := s.saveFailOn[computerID]; err != nil {
		return err
	}
	s.saved[computerID] = w
	return nil
}

func (s *fakeStore) SaveWarrantyError(_ context.Context, computerID int64, code, message string) error {
	s.savedErrs[computerID] = code
	return nil
}

func (s *fakeStore) AppendSyncLog(_ context.Context, entry database.SyncLog) error {
	s.logs = append(s.logs, entry)
	return nil
}

type fakeVendor struct {
	failOn map[string]error
	onTag  func(tag string)
}

func (v *fakeVendor) Lookup(_ context.Context, tag string) (*dell.Warranty, error) {
	if v.onTag != nil {
		v.onTag(tag)
	}
	if err := v.failOn[tag]; err != nil {
		return nil, err
	}
	end := time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)
	return &dell.Warranty{
		ServiceTag:             tag,
		CleanTag:               tag,
		Status:                 dell.StatusActive,
		EndDate:                &end,
		ProductLineDescription: "Latitude 5440",
	}, nil
}

func testEngine(store *fakeStore, vendor *fakeVendor) (*Engine, *jobs.Registry) {
	registry := jobs.NewRegistry()
	e := NewEngine(store, vendor, registry, zap.NewNop())
	e.perTagDelay = 0
	e.interBatchDelay = 0
	return e, registry
}

func staleCandidates(n int) []database.WarrantyCandidate {
	out := make([]database.WarrantyCandidate, 0, n)
	for i := range n {
		out = append(out, database.WarrantyCandidate{
			ComputerID:  int64(i + 1),
			Name:        fmt.Sprintf("SHQPC%05d", i),
			ServiceTag:  fmt.Sprintf("TAG%05d", i),
			NeedsUpdate: true,
		})
	}
	return out
}

func TestRunBatchesOfTen(t *testing.T) {
	store := newFakeStore(staleCandidates(23)...)
	vendor := &fakeVendor{}

	// Snapshot observed progress at the moment each lookup is issued.
	var progressAt11 int
	e, registry := testEngine(store, vendor)
	jobID := registry.Create(jobs.KindWarrantyRefresh)
	seen := 0
	vendor.onTag = func(string) {
		seen++
		if seen == 11 {
			job, _ := registry.Get(jobID)
			progressAt11 = job.ProgressPercent()
			assert.Equal(t, 2, job.CurrentBatch)
		}
	}

	require.NoError(t, e.Run(context.Background(), jobID, false))

	job, ok := registry.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 23, job.Total)
	assert.Equal(t, 3, job.TotalBatches)
	assert.Equal(t, 23, job.Processed)
	assert.Equal(t, job.Processed, job.SuccessCount+job.ErrorCount)
	assert.Equal(t, 100, job.ProgressPercent())
	assert.Len(t, store.saved, 23)

	// After 10 of 23 items, progress floors to 43%.
	assert.Equal(t, 43, progressAt11)
}

func TestRunSkipsFreshRowsUnlessUpdateAll(t *testing.T) {
	future := time.Now().Add(24 * time.Hour)
	candidates := []database.WarrantyCandidate{
		{ComputerID: 1, Name: "SHQSTALE01", ServiceTag: "STALE1", NeedsUpdate: true},
		{ComputerID: 2, Name: "SHQFRESH01", ServiceTag: "FRESH1", CacheExpiresAt: &future},
	}

	store := newFakeStore(candidates...)
	e, registry := testEngine(store, &fakeVendor{})
	jobID := registry.Create(jobs.KindWarrantyRefresh)
	require.NoError(t, e.Run(context.Background(), jobID, false))

	job, _ := registry.Get(jobID)
	assert.Equal(t, 1, job.Total)
	assert.Contains(t, store.saved, int64(1))
	assert.NotContains(t, store.saved, int64(2))

	store = newFakeStore(candidates...)
	e, registry = testEngine(store, &fakeVendor{})
	jobID = registry.Create(jobs.KindWarrantyRefresh)
	require.NoError(t, e.Run(context.Background(), jobID, true))

	job, _ = registry.Get(jobID)
	assert.Equal(t, 2, job.Total)
}

func TestRunClassifiesFailures(t *testing.T) {
	store := newFakeStore(staleCandidates(3)...)
	store.saveFailOn[2] = errors.New("disk full")
	vendor := &fakeVendor{failOn: map[string]error{
		"TAG00002": &dell.LookupError{Code: dell.CodeServiceTagNotFound, Message: "service tag not found"},
	}}

	e, registry := testEngine(store, vendor)
	jobID := registry.Create(jobs.KindWarrantyRefresh)
	require.NoError(t, e.Run(context.Background(), jobID, false))

	job, _ := registry.Get(jobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.SuccessCount)
	assert.Equal(t, 2, job.ErrorCount)

	statuses := map[string]string{}
	for _, item := range job.CurrentBatchItems {
		statuses[item.ServiceTag] = item.Status
	}
	assert.Equal(t, "success", statuses["TAG00000"])
	assert.Equal(t, "save_error", statuses["TAG00001"])
	assert.Equal(t, "api_error", statuses["TAG00002"])

	// The vendor failure was written back with the retry TTL path.
	assert.Equal(t, dell.CodeServiceTagNotFound, store.savedErrs[3])

	require.Len(t, store.logs, 1)
	assert.Equal(t, database.SyncCompletedWithErrors, store.logs[0].Status)
}

func TestRunFailsWhenCandidatesUnavailable(t *testing.T) {
	store := newFakeStore()
	store.candidatesErr = errors.New("database unreachable")

	e, registry := testEngine(store, &fakeVendor{})
	jobID := registry.Create(jobs.KindWarrantyRefresh)
	require.Error(t, e.Run(context.Background(), jobID, false))

	job, _ := registry.Get(jobID)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "database unreachable")

	require.Len(t, store.logs, 1)
	assert.Equal(t, database.SyncFailed, store.logs[0].Status)
}

func TestRunHonorsCancellation(t *testing.T) {
	store := newFakeStore(staleCandidates(5)...)
	e, registry := testEngine(store, &fakeVendor{})
	e.perTagDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobID := registry.Create(jobs.KindWarrantyRefresh)
	require.Error(t, e.Run(ctx, jobID, false))

	job, _ := registry.Get(jobID)
	assert.Equal(t, jobs.StatusFailed, job.Status)
}
