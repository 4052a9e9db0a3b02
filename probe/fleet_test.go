package probe

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"snm/adinventory/jobs"
)

func testFleet(executor Executor, store UserStore) (*Fleet, *jobs.Registry) {
	registry := jobs.NewRegistry()
	prober := testProber(executor, nil)
	return NewFleet(prober, store, registry, zap.NewNop()), registry
}

func TestScanCountsAndWriteBacks(t *testing.T) {
	executor := newScriptedExecutor()
	store := newFakeUserStore()
	hosts := make([]Host, 0, 25)
	for i := 1; i <= 25; i++ {
		name := fmt.Sprintf("SHQPC%05d", i)
		hosts = append(hosts, Host{Name: name})
		switch {
		case i%7 == 0:
			executor.output(name, "ERROR:ACCESS_DENIED")
		case i%11 == 0:
			executor.output(name, "STATUS:NO_USER_LOGGED")
		default:
			executor.output(name, fmt.Sprintf(`USER:SNM\user.%05d`, i), "METHOD:CONSOLE")
		}
	}

	fleet, registry := testFleet(executor, store)
	jobID := registry.Create(jobs.KindFleetScan)

	summary, err := fleet.Scan(context.Background(), jobID, hosts)
	require.NoError(t, err)

	// 7, 14, 21 denied; 11, 22 without a user.
	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, 20, summary.Success)
	assert.Equal(t, 5, summary.Failed)
	assert.Equal(t, 20, summary.Updated)
	assert.Equal(t, 3, summary.ByCode[CodeAccessDenied])
	assert.Equal(t, 2, summary.ByCode[CodeUserNotFound])
	assert.Equal(t, summary.Total, summary.Success+summary.Failed)

	assert.Len(t, store.saved, 20)
	assert.Equal(t, `Snm\User.00001`, store.saved["SHQPC00001"])

	job, ok := registry.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 25, job.Processed)
	assert.Equal(t, 20, job.SuccessCount)
	assert.Equal(t, 5, job.ErrorCount)
	assert.Equal(t, 100, job.ProgressPercent())
}

func TestScanSkipsUnchangedUsers(t *testing.T) {
	executor := newScriptedExecutor()
	executor.output("SHQPC00001", `USER:SNM\joao.silva`, "METHOD:CONSOLE")
	executor.output("SHQPC00002", `USER:SNM\ana.costa`, "METHOD:CONSOLE")
	store := newFakeUserStore()

	fleet, registry := testFleet(executor, store)
	summary, err := fleet.Scan(context.Background(), registry.Create(jobs.KindFleetScan), []Host{
		{Name: "SHQPC00001", CurrentUser: `Snm\Joao.Silva`},
		{Name: "SHQPC00002", CurrentUser: `Snm\Old.User`},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, 1, summary.Updated)
	require.Len(t, store.saved, 1)
	assert.Equal(t, `Snm\Ana.Costa`, store.saved["SHQPC00002"])
}

func TestScanCountsPersistFailuresAsErrors(t *testing.T) {
	executor := newScriptedExecutor()
	executor.output("SHQPC00001", `USER:SNM\joao.silva`, "METHOD:CONSOLE")
	store := newFakeUserStore()
	store.failOn["SHQPC00001"] = assert.AnError

	fleet, registry := testFleet(executor, store)
	summary, err := fleet.Scan(context.Background(), registry.Create(jobs.KindFleetScan), []Host{{Name: "SHQPC00001"}})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.ByCode[CodeUnknown])
	assert.Empty(t, store.saved)
}

func TestScanBucketsConnectivityFailures(t *testing.T) {
	executor := newScriptedExecutor()
	executor.errs["SHQPC00001"] = fmt.Errorf("connection refused")
	store := newFakeUserStore()

	fleet, registry := testFleet(executor, store)
	fleet.prober.ping = func(context.Context, string) bool { return false }

	summary, err := fleet.Scan(context.Background(), registry.Create(jobs.KindFleetScan), []Host{{Name: "SHQPC00001"}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.ByCode[CodeMachineOffline])
	assert.Equal(t, 1, summary.Connectivity.Offline)
}

func TestScanEmptyFleet(t *testing.T) {
	fleet, registry := testFleet(newScriptedExecutor(), newFakeUserStore())
	jobID := registry.Create(jobs.KindFleetScan)

	summary, err := fleet.Scan(context.Background(), jobID, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)

	job, _ := registry.Get(jobID)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}
