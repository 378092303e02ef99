// Package orchestrator drives batch analysis runs: it claims pending work
// orders, fans them out over a bounded worker pool, retries transient
// failures per unit, and keeps a durable execution record per run.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MK-CO/KYXCustomer/internal/analyzer"
	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/storage/sqlite"
)

// Config bounds one run. Zero values fall back to the defaults below.
type Config struct {
	BatchSize     int
	MaxConcurrent int
	// RetryTimes is the number of retries after a unit's first attempt.
	RetryTimes int
	// RetryDelay must not be shorter than the model timeout, so a
	// timed-out call is never re-fired immediately.
	RetryDelay    time.Duration
	PrescreenGate bool
}

const (
	defaultBatchSize     = 50
	defaultMaxConcurrent = 5
	defaultRetryTimes    = 3
	defaultRetryDelay    = 60 * time.Second // matches the default model timeout
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.RetryTimes <= 0 {
		c.RetryTimes = defaultRetryTimes
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Trigger is the metadata of who started a run. Scheduled and manual
// runs go through the same code path.
type Trigger struct {
	Type  string // domain.TriggerScheduled or domain.TriggerManual
	User  string
	Force bool
}

// RuleLoader supplies the immutable rule snapshot for one run.
type RuleLoader func() (domain.RuleSet, error)

type Orchestrator struct {
	db         *sql.DB
	source     analyzer.ConversationSource
	classifier analyzer.Classifier
	loadRules  RuleLoader
	cfg        Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(db *sql.DB, source analyzer.ConversationSource, classifier analyzer.Classifier, loadRules RuleLoader, cfg Config) *Orchestrator {
	return &Orchestrator{
		db:         db,
		source:     source,
		classifier: classifier,
		loadRules:  loadRules,
		cfg:        cfg.withDefaults(),
		running:    make(map[string]context.CancelFunc),
	}
}

// runCounters aggregates per-unit dispositions across workers.
type runCounters struct {
	success   atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	duplicate atomic.Int64
	denoised  atomic.Int64

	mu            sync.Mutex
	failedWorkIDs []int64
}

func (c *runCounters) recordFailure(workID int64) {
	c.failed.Add(1)
	c.mu.Lock()
	c.failedWorkIDs = append(c.failedWorkIDs, workID)
	c.mu.Unlock()
}

func (c *runCounters) counts(total int) domain.RunCounts {
	return domain.RunCounts{
		Total:     total,
		Success:   int(c.success.Load()),
		Failed:    int(c.failed.Load()),
		Skipped:   int(c.skipped.Load()),
		Denoised:  int(c.denoised.Load()),
		Duplicate: int(c.duplicate.Load()),
	}
}

// Run executes one batch: claim, fan out, wait, finalize. The returned
// TaskExecution is the finalized run record. Unit failures never fail the
// run; only run-level problems (rules, claim, record keeping) do.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (domain.TaskExecution, error) {
	rs, err := o.loadRules()
	if err != nil {
		return domain.TaskExecution{}, fmt.Errorf("load rule set: %w", err)
	}
	if rs.Empty() {
		return domain.TaskExecution{}, fmt.Errorf("rule set has no enabled categories")
	}

	processor, err := analyzer.NewProcessor(o.db, o.source, rs, o.classifier)
	if err != nil {
		return domain.TaskExecution{}, err
	}

	run := domain.TaskExecution{
		TaskID:        NewTaskID(trigger.Type),
		TaskName:      "evasion-analysis",
		TriggerType:   trigger.Type,
		TriggerUser:   trigger.User,
		Status:        domain.RunStatusRunning,
		StartTime:     time.Now(),
		BatchSize:     o.cfg.BatchSize,
		MaxConcurrent: o.cfg.MaxConcurrent,
	}
	if err := sqlite.InsertTaskExecution(o.db, run); err != nil {
		return domain.TaskExecution{}, fmt.Errorf("create task record: %w", err)
	}

	// Cancellation is dispatch-only: runCtx gates the semaphore, while
	// units in flight run on an uncancellable context so they finish.
	runCtx, cancel := context.WithCancel(ctx)
	unitCtx := context.WithoutCancel(runCtx)
	o.mu.Lock()
	o.running[run.TaskID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, run.TaskID)
		o.mu.Unlock()
	}()

	claimed, err := sqlite.ClaimPending(o.db, o.cfg.BatchSize)
	if err != nil {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = fmt.Sprintf("claim pending: %v", err)
		run.EndTime = time.Now()
		_ = sqlite.CompleteTaskExecution(o.db, run)
		return run, fmt.Errorf("claim pending: %w", err)
	}
	log.Printf("orchestrator run=%s trigger=%s claimed=%d concurrency=%d", run.TaskID, trigger.Type, len(claimed), o.cfg.MaxConcurrent)

	counters := &runCounters{}
	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrent))
	var wg sync.WaitGroup

	opts := analyzer.Options{Force: trigger.Force, PrescreenGate: o.cfg.PrescreenGate}
	for _, rec := range claimed {
		if err := sem.Acquire(runCtx, 1); err != nil {
			// Cancelled: undispatched units go back to the queue.
			if relErr := sqlite.ReleasePending(o.db, rec.ID); relErr != nil {
				log.Printf("orchestrator run=%s release work=%d err=%v", run.TaskID, rec.WorkID, relErr)
			}
			continue
		}
		wg.Add(1)
		go func(rec domain.PendingRecord) {
			defer wg.Done()
			defer sem.Release(1)
			o.processUnit(unitCtx, processor, run.TaskID, rec, opts, counters)
		}(rec)
	}
	wg.Wait()

	run.Counts = counters.counts(len(claimed))
	run.EndTime = time.Now()
	run.Status = domain.RunStatusCompleted
	if runCtx.Err() != nil {
		run.Status = domain.RunStatusCancelled
	}
	run.ExecutionDetails = runDetails(counters, run)

	if err := sqlite.CompleteTaskExecution(o.db, run); err != nil {
		return run, fmt.Errorf("finalize task record: %w", err)
	}
	log.Printf("orchestrator run=%s status=%s total=%d success=%d failed=%d skipped=%d duplicate=%d denoised=%d",
		run.TaskID, run.Status, run.Counts.Total, run.Counts.Success, run.Counts.Failed,
		run.Counts.Skipped, run.Counts.Duplicate, run.Counts.Denoised)
	return run, nil
}

// processUnit runs one claimed record with per-unit retries. An exhausted
// unit is marked FAILED with a prescreen-only fallback outcome where the
// prescreen evidence exists; the run itself continues.
func (o *Orchestrator) processUnit(ctx context.Context, processor *analyzer.Processor, taskID string, rec domain.PendingRecord, opts analyzer.Options, counters *runCounters) {
	var lastErr error
	var lastPartial domain.WorkUnitOutcome

	attempts := o.cfg.RetryTimes + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := processor.Process(ctx, rec, opts)
		if err == nil {
			o.tally(taskID, rec, res, counters)
			return
		}
		lastErr = err
		if res.Outcome.WorkID != 0 {
			lastPartial = res.Outcome
		}
		log.Printf("orchestrator run=%s work=%d attempt=%d/%d err=%v", taskID, rec.WorkID, attempt, attempts, err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(o.cfg.RetryDelay):
			}
		}
	}

	if lastPartial.WorkID != 0 && !analyzer.IsPersistence(lastErr) {
		if err := processor.PersistFallback(ctx, lastPartial, lastErr); err != nil {
			log.Printf("orchestrator run=%s work=%d fallback err=%v", taskID, rec.WorkID, err)
		}
	}
	if err := sqlite.MarkPendingFailed(o.db, rec.ID, lastErr.Error()); err != nil {
		log.Printf("orchestrator run=%s work=%d mark failed err=%v", taskID, rec.WorkID, err)
	}
	counters.recordFailure(rec.WorkID)
}

func (o *Orchestrator) tally(taskID string, rec domain.PendingRecord, res analyzer.Result, counters *runCounters) {
	switch res.Disposition {
	case analyzer.DispositionSkipped:
		counters.skipped.Add(1)
	case analyzer.DispositionDenoised:
		counters.denoised.Add(1)
	case analyzer.DispositionDuplicate:
		counters.duplicate.Add(1)
	default:
		counters.success.Add(1)
	}
	if res.Denoised {
		if err := sqlite.InsertDenoiseBatch(o.db, taskID, rec.WorkID, res.Outcome.Denoise); err != nil {
			log.Printf("orchestrator run=%s work=%d denoise stats err=%v", taskID, rec.WorkID, err)
		}
	}
	if err := sqlite.MarkPendingCompleted(o.db, rec.ID); err != nil {
		log.Printf("orchestrator run=%s work=%d mark completed err=%v", taskID, rec.WorkID, err)
	}
}

// Cancel stops dispatching new units for a running task. In-flight units
// finish; the run finalizes as cancelled. Returns false when no run with
// that id is active.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// NewTaskID builds a sortable run id like
// MANUAL_ANALYSIS_20250901150405_1a2b3c4d.
func NewTaskID(triggerType string) string {
	prefix := "SCHED"
	if triggerType == domain.TriggerManual {
		prefix = "MANUAL"
	}
	return fmt.Sprintf("%s_ANALYSIS_%s_%s", prefix, time.Now().Format("20060102150405"), uuid.NewString()[:8])
}

func runDetails(counters *runCounters, run domain.TaskExecution) string {
	counters.mu.Lock()
	failed := append([]int64(nil), counters.failedWorkIDs...)
	counters.mu.Unlock()
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	detail := struct {
		FailedWorkIDs   []int64 `json:"failed_work_ids"`
		DurationSeconds float64 `json:"duration_seconds"`
	}{
		FailedWorkIDs:   failed,
		DurationSeconds: run.EndTime.Sub(run.StartTime).Seconds(),
	}
	if detail.FailedWorkIDs == nil {
		detail.FailedWorkIDs = []int64{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return "{}"
	}
	return string(data)
}
