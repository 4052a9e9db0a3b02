package probe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"snm/adinventory/jobs"
)

const (
	fleetWorkers       = 20
	fleetProgressEvery = 10
)

// Host is one fleet-scan target with its last known user.
type Host struct {
	Name        string
	CurrentUser string
}

// UserStore persists detected users.
type UserStore interface {
	SetCurrentUser(ctx context.Context, name, user string) error
}

// ConnectivitySummary buckets failed hosts by the network layer that
// broke first.
type ConnectivitySummary struct {
	Offline      int `json:"offline"`
	DNSFailed    int `json:"dns_failed"`
	RPCBlocked   int `json:"rpc_blocked"`
	WinRMBlocked int `json:"winrm_blocked"`
}

// ScanSummary is the aggregate outcome of a fleet scan.
type ScanSummary struct {
	Total        int                 `json:"total"`
	Success      int                 `json:"success"`
	Failed       int                 `json:"failed"`
	Updated      int                 `json:"updated"`
	Unchanged    int                 `json:"unchanged"`
	ByCode       map[string]int      `json:"errors_by_code"`
	Connectivity ConnectivitySummary `json:"connectivity"`
	Elapsed      time.Duration       `json:"-"`
}

// Fleet scans many hosts concurrently and writes confirmed users back.
type Fleet struct {
	prober   *Prober
	store    UserStore
	registry *jobs.Registry
	log      *zap.Logger
	workers  int
}

func NewFleet(prober *Prober, store UserStore, registry *jobs.Registry, log *zap.Logger) *Fleet {
	return &Fleet{
		prober:   prober,
		store:    store,
		registry: registry,
		log:      log,
		workers:  fleetWorkers,
	}
}

// Scan probes every host with a bounded worker pool. The database is
// touched only for successful detections whose user actually changed.
func (f *Fleet) Scan(ctx context.Context, jobID string, hosts []Host) (*ScanSummary, error) {
	started := time.Now()
	summary := &ScanSummary{Total: len(hosts), ByCode: make(map[string]int)}

	f.registry.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusRunning
		j.Total = len(hosts)
		j.StartedAt = started
	})

	work := make(chan Host)
	results := make(chan scanOutcome)

	var wg sync.WaitGroup
	workers := f.workers
	if workers > len(hosts) {
		workers = len(hosts)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range work {
				results <- f.scanOne(ctx, host)
			}
		}()
	}

	go func() {
		defer close(work)
		for _, host := range hosts {
			select {
			case work <- host:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	processed := 0
	for outcome := range results {
		processed++
		f.fold(summary, outcome)

		if processed%fleetProgressEvery == 0 || processed == len(hosts) {
			elapsed := time.Since(started)
			var eta time.Duration
			if processed > 0 {
				eta = elapsed / time.Duration(processed) * time.Duration(len(hosts)-processed)
			}
			f.log.Info("fleet scan progress",
				zap.Int("processed", processed),
				zap.Int("total", len(hosts)),
				zap.Int("success", summary.Success),
				zap.Int("failed", summary.Failed),
				zap.Duration("eta", eta))
		}

		ok := outcome.result.Success()
		host := outcome.result.Host
		f.registry.Update(jobID, func(j *jobs.Job) {
			j.Processed = processed
			if ok {
				j.SuccessCount++
			} else {
				j.ErrorCount++
			}
			j.CurrentProcessing = host
		})
	}

	summary.Elapsed = time.Since(started)
	if err := ctx.Err(); err != nil {
		f.registry.Update(jobID, func(j *jobs.Job) {
			j.Status = jobs.StatusFailed
			j.Error = err.Error()
			j.EndedAt = time.Now()
		})
		return summary, fmt.Errorf("fleet scan aborted: %w", err)
	}

	f.registry.Update(jobID, func(j *jobs.Job) {
		j.Status = jobs.StatusCompleted
		j.EndedAt = time.Now()
		j.CurrentProcessing = ""
	})
	f.log.Info("fleet scan finished",
		zap.Int("total", summary.Total),
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
		zap.Int("updated", summary.Updated),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Strings("top_errors", topCodes(summary.ByCode, 3)))
	return summary, nil
}

type scanOutcome struct {
	result    *Result
	unchanged bool
}

func (f *Fleet) scanOne(ctx context.Context, host Host) scanOutcome {
	result := f.prober.Probe(ctx, host.Name)
	if !result.Success() {
		return scanOutcome{result: result}
	}
	if result.User == host.CurrentUser {
		return scanOutcome{result: result, unchanged: true}
	}
	if err := f.store.SetCurrentUser(ctx, host.Name, result.User); err != nil {
		f.log.Warn("user write-back failed", zap.String("host", host.Name), zap.Error(err))
		result.Failure = &Failure{Code: CodeUnknown, Message: fmt.Sprintf("persist failed: %v", err)}
		result.User, result.Method = "", ""
	}
	return scanOutcome{result: result}
}

func (f *Fleet) fold(summary *ScanSummary, outcome scanOutcome) {
	result := outcome.result
	if result.Success() {
		summary.Success++
		if outcome.unchanged {
			summary.Unchanged++
		} else {
			summary.Updated++
		}
		return
	}

	summary.Failed++
	summary.ByCode[result.Failure.Code]++
	switch result.Failure.Code {
	case CodeMachineOffline:
		summary.Connectivity.Offline++
	case CodeDNSFailed:
		summary.Connectivity.DNSFailed++
	case CodePort135Blocked, CodeRPCUnavailable:
		summary.Connectivity.RPCBlocked++
	case CodePort5985Blocked, CodePort5986Blocked, CodeWinRMDisabled:
		summary.Connectivity.WinRMBlocked++
	}
}

func topCodes(byCode map[string]int, n int) []string {
	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if byCode[codes[i]] != byCode[codes[j]] {
			return byCode[codes[i]] > byCode[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if len(codes) > n {
		codes = codes[:n]
	}
	for i, code := range codes {
		codes[i] = fmt.Sprintf("%s=%d", code, byCode[code])
	}
	return codes
}
