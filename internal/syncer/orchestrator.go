// Package syncer orchestrates sync runs: one SyncLog state machine per
// service per invocation, attempt-all isolation across services, and a single
// metrics recomputation after every cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/devpulse/devpulse/internal/store"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Connector is one provider's sync entry point. Sync reports how many records
// it processed and how many entities it had to skip; err is reserved for
// connector-level failures that aborted the run.
type Connector interface {
	Service() store.SyncService
	Sync(ctx context.Context) (processed, failed int, err error)
}

// Result is the per-service outcome of one TriggerSync invocation.
type Result struct {
	Service          store.SyncService `json:"service"`
	RunID            string            `json:"runId"`
	Status           store.SyncStatus  `json:"status"`
	Duration         time.Duration     `json:"duration"`
	RecordsProcessed int               `json:"recordsProcessed"`
	Message          string            `json:"message,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// ServiceStats summarizes a service's run history.
type ServiceStats struct {
	Service     store.SyncService `json:"service"`
	TotalRuns   int               `json:"totalRuns"`
	Successes   int               `json:"successes"`
	Failures    int               `json:"failures"`
	SuccessRate float64           `json:"successRate"`
	AvgDuration time.Duration     `json:"avgDuration"`
	LastRunAt   time.Time         `json:"lastRunAt"`
}

type Status struct {
	IsRunning          bool                              `json:"isRunning"`
	RunningCount       int                               `json:"runningCount"`
	LastSuccessfulSync map[store.SyncService]time.Time   `json:"lastSuccessfulSync"`
	RecentRuns         []store.SyncLog                   `json:"recentRuns"`
	StatsByService     map[store.SyncService]ServiceStats `json:"statsByService"`
}

type DayStats struct {
	Date      time.Time `json:"date"`
	Runs      int       `json:"runs"`
	Successes int       `json:"successes"`
	Records   int       `json:"records"`
}

type Statistics struct {
	WindowDays   int                                `json:"windowDays"`
	TotalRuns    int                                `json:"totalRuns"`
	SuccessRate  float64                            `json:"successRate"`
	AvgDuration  time.Duration                      `json:"avgDuration"`
	TotalRecords int                                `json:"totalRecords"`
	ByService    map[store.SyncService]ServiceStats `json:"byService"`
	ByDay        []DayStats                         `json:"byDay"`
}

type ProviderHealth struct {
	Configured bool             `json:"configured"`
	LastSyncAt time.Time        `json:"lastSyncAt,omitempty"`
	LastStatus store.SyncStatus `json:"lastStatus,omitempty"`
}

type Health struct {
	StoreOK   bool                                 `json:"storeOk"`
	Providers map[store.SyncService]ProviderHealth `json:"providers"`
}

// Orchestrator drives sync cycles over the registered connectors. Connectors
// are registered only when their provider credentials are present, so
// registration doubles as the health report's configured flag.
type Orchestrator struct {
	store      store.Store
	engine     *metrics.Engine
	connectors map[store.SyncService]Connector
	logger     Logger
	now        func() time.Time
	newRunID   func() string

	mu      sync.Mutex
	running map[string]store.SyncService
}

type Options struct {
	Logger Logger
	Now    func() time.Time
	// NewRunID overrides run id generation, for tests.
	NewRunID func() string
}

func NewOrchestrator(st store.Store, engine *metrics.Engine, connectors []Connector, opts Options) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", store.ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	byService := map[store.SyncService]Connector{}
	for _, c := range connectors {
		byService[c.Service()] = c
	}
	return &Orchestrator{
		store:      st,
		engine:     engine,
		connectors: byService,
		logger:     opts.Logger,
		now:        now,
		newRunID:   newRunID,
		running:    map[string]store.SyncService{},
	}, nil
}

// TriggerSync runs the requested services (all registered ones when none are
// named), waits for every attempt to settle, then invokes the metrics engine
// exactly once. A service failure is reported in its Result, never as an
// error; the returned error is reserved for unknown service names.
func (o *Orchestrator) TriggerSync(ctx context.Context, services ...store.SyncService) ([]Result, error) {
	if len(services) == 0 {
		for service := range o.connectors {
			services = append(services, service)
		}
	}
	for _, service := range services {
		if _, ok := o.connectors[service]; !ok {
			return nil, fmt.Errorf("%w: no connector registered for service %s", store.ErrInvalidInput, service)
		}
	}

	results := make([]Result, len(services))
	var wg sync.WaitGroup
	for i, service := range services {
		i, service := i, service
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.runService(ctx, service)
		}()
	}
	wg.Wait()

	if o.engine != nil {
		if err := o.engine.Recompute(ctx); err != nil {
			o.logf("syncer: metrics recompute failed: %v", err)
		}
	}
	return results, nil
}

func (o *Orchestrator) runService(ctx context.Context, service store.SyncService) Result {
	runID := o.newRunID()
	startedAt := o.now()

	if err := o.store.CreateSyncLog(ctx, store.SyncLog{
		ID:        runID,
		Service:   service,
		Status:    store.SyncRunning,
		StartedAt: startedAt,
	}); err != nil {
		o.logf("syncer: %s run %s not recorded: %v", service, runID, err)
		return Result{Service: service, RunID: runID, Status: store.SyncFailed, Error: err.Error()}
	}

	o.mu.Lock()
	o.running[runID] = service
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, runID)
		o.mu.Unlock()
	}()

	processed, failed, syncErr := o.connectors[service].Sync(ctx)
	duration := o.now().Sub(startedAt)

	records, countErr := o.store.CountRecordsSince(ctx, startedAt)
	if countErr != nil {
		o.logf("syncer: %s run %s record count: %v", service, runID, countErr)
		records = processed
	}

	status := store.SyncSuccess
	message := fmt.Sprintf("processed %d records", processed)
	errorDetail := ""
	switch {
	case syncErr != nil:
		status = store.SyncFailed
		message = "sync failed"
		errorDetail = syncErr.Error()
	case failed > 0:
		status = store.SyncPartial
		message = fmt.Sprintf("processed %d records, skipped %d", processed, failed)
	}

	if err := o.store.CompleteSyncLog(ctx, runID, status, duration, records, message, errorDetail); err != nil {
		// An administrative cancel may have reached the terminal state first.
		if errors.Is(err, store.ErrInvalidState) {
			if current, getErr := o.store.GetSyncLog(ctx, runID); getErr == nil {
				status = current.Status
				message = current.Message
			}
		} else {
			o.logf("syncer: %s run %s completion not recorded: %v", service, runID, err)
		}
	}

	return Result{
		Service:          service,
		RunID:            runID,
		Status:           status,
		Duration:         duration,
		RecordsProcessed: records,
		Message:          message,
		Error:            errorDetail,
	}
}

// GetSyncStatus reports in-flight runs, the latest history page, and per
// service aggregates. Zero filter values match everything.
func (o *Orchestrator) GetSyncStatus(ctx context.Context, limit int, service store.SyncService, status store.SyncStatus) (Status, error) {
	if limit <= 0 {
		limit = 20
	}
	recent, err := o.store.ListSyncLogs(ctx, store.SyncLogFilter{
		Service: service,
		Status:  status,
		Limit:   limit,
	})
	if err != nil {
		return Status{}, fmt.Errorf("list sync logs: %w", err)
	}

	all, err := o.store.ListSyncLogs(ctx, store.SyncLogFilter{})
	if err != nil {
		return Status{}, fmt.Errorf("list sync logs: %w", err)
	}

	o.mu.Lock()
	runningCount := len(o.running)
	o.mu.Unlock()

	out := Status{
		IsRunning:          runningCount > 0,
		RunningCount:       runningCount,
		LastSuccessfulSync: map[store.SyncService]time.Time{},
		RecentRuns:         recent,
		StatsByService:     statsByService(all),
	}
	for _, l := range all {
		if l.Status != store.SyncSuccess {
			continue
		}
		if l.StartedAt.After(out.LastSuccessfulSync[l.Service]) {
			out.LastSuccessfulSync[l.Service] = l.StartedAt
		}
	}
	return out, nil
}

// GetSyncStatistics aggregates run history over a trailing window of days.
func (o *Orchestrator) GetSyncStatistics(ctx context.Context, windowDays int) (Statistics, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	since := o.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	logs, err := o.store.ListSyncLogs(ctx, store.SyncLogFilter{Since: since})
	if err != nil {
		return Statistics{}, fmt.Errorf("list sync logs: %w", err)
	}

	stats := Statistics{
		WindowDays: windowDays,
		ByService:  statsByService(logs),
	}
	byDay := map[time.Time]*DayStats{}
	var terminal, successes int
	var durationSum time.Duration
	for _, l := range logs {
		stats.TotalRecords += l.RecordsProcessed
		if !l.Status.IsTerminal() {
			continue
		}
		terminal++
		durationSum += l.Duration
		if l.Status == store.SyncSuccess {
			successes++
		}
		day := store.DateOf(l.StartedAt)
		d, ok := byDay[day]
		if !ok {
			d = &DayStats{Date: day}
			byDay[day] = d
		}
		d.Runs++
		d.Records += l.RecordsProcessed
		if l.Status == store.SyncSuccess {
			d.Successes++
		}
	}
	stats.TotalRuns = len(logs)
	if terminal > 0 {
		stats.SuccessRate = float64(successes) / float64(terminal) * 100
		stats.AvgDuration = durationSum / time.Duration(terminal)
	}
	for _, d := range byDay {
		stats.ByDay = append(stats.ByDay, *d)
	}
	sort.Slice(stats.ByDay, func(i, j int) bool { return stats.ByDay[i].Date.Before(stats.ByDay[j].Date) })
	return stats, nil
}

// CancelSync administratively terminates a RUNNING run. It only flips the log
// row; in-flight requests finish or time out on their own.
func (o *Orchestrator) CancelSync(ctx context.Context, runID string) error {
	l, err := o.store.GetSyncLog(ctx, runID)
	if err != nil {
		return err
	}
	if l.Status != store.SyncRunning {
		return fmt.Errorf("%w: run %s is %s, not RUNNING", store.ErrInvalidState, runID, l.Status)
	}
	duration := o.now().Sub(l.StartedAt)
	return o.store.CompleteSyncLog(ctx, runID, store.SyncFailed, duration, l.RecordsProcessed, "cancelled by operator", "")
}

// GetHealth reports store reachability and per-provider configuration plus
// last run outcome. A provider is configured iff its connector is registered;
// unconfigured providers never get a connector.
func (o *Orchestrator) GetHealth(ctx context.Context) Health {
	h := Health{
		StoreOK:   o.store.Ping(ctx) == nil,
		Providers: map[store.SyncService]ProviderHealth{},
	}
	for _, service := range []store.SyncService{store.ServiceGitLab, store.ServiceClickUp} {
		_, configured := o.connectors[service]
		ph := ProviderHealth{Configured: configured}
		logs, err := o.store.ListSyncLogs(ctx, store.SyncLogFilter{Service: service, Limit: 1})
		if err == nil && len(logs) > 0 {
			ph.LastSyncAt = logs[0].StartedAt
			ph.LastStatus = logs[0].Status
		}
		h.Providers[service] = ph
	}
	return h
}

func statsByService(logs []store.SyncLog) map[store.SyncService]ServiceStats {
	out := map[store.SyncService]ServiceStats{}
	type acc struct {
		terminal    int
		durationSum time.Duration
	}
	accs := map[store.SyncService]*acc{}
	for _, l := range logs {
		s := out[l.Service]
		s.Service = l.Service
		s.TotalRuns++
		if l.StartedAt.After(s.LastRunAt) {
			s.LastRunAt = l.StartedAt
		}
		a, ok := accs[l.Service]
		if !ok {
			a = &acc{}
			accs[l.Service] = a
		}
		switch l.Status {
		case store.SyncSuccess:
			s.Successes++
		case store.SyncFailed, store.SyncPartial:
			s.Failures++
		}
		if l.Status.IsTerminal() {
			a.terminal++
			a.durationSum += l.Duration
		}
		out[l.Service] = s
	}
	for service, s := range out {
		a := accs[service]
		if a.terminal > 0 {
			s.SuccessRate = float64(s.Successes) / float64(a.terminal) * 100
			s.AvgDuration = a.durationSum / time.Duration(a.terminal)
		}
		out[service] = s
	}
	return out
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
