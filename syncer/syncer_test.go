package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"snm/adinventory/activedirectory"
	"snm/adinventory/database"
)

type fakeStore struct {
	existing map[string]bool
	upserted []string
	failOn   map[string]error

	markedUnsynced  bool
	deletedUnsynced int64
	sweptOrphans    int64
	logs            []database.SyncLog
}

func newFakeStore(existing ...string) *fakeStore {
	s := &fakeStore{existing: make(map[string]bool), failOn: make(map[string]error)}
	for _, name := range existing {
		s.existing[name] = true
	}
	return s
}

func (s *fakeStore) UpsertComputerFromAD(_ context.Context, rec activedirectory.Record) (bool, error) {
	if err := s.failOn[rec.Name]; err != nil {
		return false, err
	}
	s.upserted = append(s.upserted, rec.Name)
	if s.existing[rec.Name] {
		return false, nil
	}
	s.existing[rec.Name] = true
	return true, nil
}

func (s *fakeStore) MarkAllUnsynced(context.Context) error {
	s.markedUnsynced = true
	return nil
}

func (s *fakeStore) DeleteUnsynced(context.Context) (int64, error) {
	s.deletedUnsynced = 2
	return 2, nil
}

func (s *fakeStore) DeleteOrphanWarranties(context.Context) (int64, error) {
	s.sweptOrphans = 1
	return 1, nil
}

func (s *fakeStore) Stats(context.Context) (database.FleetStats, error) {
	return database.FleetStats{Total: len(s.existing)}, nil
}

func (s *fakeStore) AppendSyncLog(_ context.Context, entry database.SyncLog) error {
	s.logs = append(s.logs, entry)
	return nil
}

type fakeDirectory struct {
	records []activedirectory.Record
	err     error
}

func (d *fakeDirectory) ListComputers(context.Context) ([]activedirectory.Record, error) {
	return d.records, d.err
}

func records(names ...string) []activedirectory.Record {
	out := make([]activedirectory.Record, 0, len(names))
	for _, name := range names {
		out = append(out, activedirectory.Record{Name: name, UserAccountControl: 4096})
	}
	return out
}

func TestIncrementalCountsAddedAndUpdated(t *testing.T) {
	store := newFakeStore("SHQC1WSB92")
	dir := &fakeDirectory{records: records("SHQC1WSB92", "DIAHGX2Y8X")}

	result, err := New(store, dir, zap.NewNop()).Incremental(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Errors)
	assert.Equal(t, database.SyncCompleted, result.Status)

	require.Len(t, store.logs, 1)
	assert.Equal(t, database.SyncKindIncremental, store.logs[0].Kind)
	assert.Equal(t, "test", store.logs[0].TriggeredBy)
}

func TestIncrementalContinuesPastRowErrors(t *testing.T) {
	store := newFakeStore()
	store.failOn["BADROW0001"] = errors.New("boom")
	dir := &fakeDirectory{records: records("BADROW0001", "SHQOK12345")}

	result, err := New(store, dir, zap.NewNop()).Incremental(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, database.SyncCompletedWithErrors, result.Status)
	assert.Equal(t, []string{"SHQOK12345"}, store.upserted)
}

func TestIncrementalDirectoryFailure(t *testing.T) {
	store := newFakeStore()
	dir := &fakeDirectory{err: errors.New("ldap unreachable")}

	_, err := New(store, dir, zap.NewNop()).Incremental(context.Background(), "test")
	require.Error(t, err)
	require.Len(t, store.logs, 1)
	assert.Equal(t, database.SyncFailed, store.logs[0].Status)
	assert.Contains(t, store.logs[0].ErrorMessage, "ldap unreachable")
}

func TestCompletePrunesAndSweeps(t *testing.T) {
	store := newFakeStore("SHQSTALE01")
	dir := &fakeDirectory{records: records("SHQC1WSB92", "DIAHGX2Y8X")}

	result, err := New(store, dir, zap.NewNop()).Complete(context.Background(), "operator")
	require.NoError(t, err)
	assert.True(t, store.markedUnsynced)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, int64(1), store.sweptOrphans)
	assert.Equal(t, database.SyncCompleted, result.Status)

	require.Len(t, store.logs, 1)
	assert.Equal(t, database.SyncKindComplete, store.logs[0].Kind)
}

func TestCompleteAbortsOnEmptyEnumeration(t *testing.T) {
	store := newFakeStore("SHQC1WSB92")
	dir := &fakeDirectory{records: nil}

	_, err := New(store, dir, zap.NewNop()).Complete(context.Background(), "operator")
	require.Error(t, err)
	assert.False(t, store.markedUnsynced, "nothing may be touched on an empty snapshot")
	assert.Zero(t, store.deletedUnsynced)
	require.Len(t, store.logs, 1)
	assert.Equal(t, database.SyncFailed, store.logs[0].Status)
}
