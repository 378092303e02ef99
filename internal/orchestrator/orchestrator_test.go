package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/rules"
	"github.com/MK-CO/KYXCustomer/internal/storage/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "orchestrator-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type stubSource struct{}

func (stubSource) WorkOrder(ctx context.Context, workID int64) (domain.WorkOrder, error) {
	base := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	return domain.WorkOrder{
		WorkID: workID,
		Conversation: domain.Conversation{
			WorkID: workID,
			Messages: []domain.Message{
				{Role: domain.RoleCustomer, Name: "车主", Content: "膜起泡了怎么办", CreatedAt: base},
				{Role: domain.RoleAgent, Name: "客服", Content: "这不是我们的问题，找厂家吧", CreatedAt: base.Add(time.Minute)},
			},
		},
	}, nil
}

// scriptedClassifier optionally blocks each call until released, which
// lets tests hold a unit in flight while cancelling the run.
type scriptedClassifier struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (c *scriptedClassifier) Classify(ctx context.Context, text string, pre domain.PrescreenResult) (domain.ClassificationResult, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.ClassificationResult{}, ctx.Err()
		}
	}
	return domain.ClassificationResult{HasEvasion: true, RiskLevel: domain.RiskHigh, Confidence: 0.9, LLMInvoked: true}, nil
}

// failingFor wraps a classifier and fails for one marker substring.
type failingClassifier struct {
	mu       sync.Mutex
	failFor  map[int64]int // remaining failures per work id
	perma    map[int64]bool
	calls    int
	delegate domain.ClassificationResult
}

func (c *failingClassifier) Classify(ctx context.Context, text string, pre domain.PrescreenResult) (domain.ClassificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	workID := workIDFromText(text)
	if c.perma[workID] {
		return domain.ClassificationResult{}, errors.New("model unavailable")
	}
	if c.failFor[workID] > 0 {
		c.failFor[workID]--
		return domain.ClassificationResult{}, errors.New("transient model error")
	}
	return c.delegate, nil
}

// idSource embeds the work id in the customer message so the classifier
// fake can tell units apart. Work id 204 carries only system notices and
// is emptied by the denoise pass.
type idSource struct{}

func (idSource) WorkOrder(ctx context.Context, workID int64) (domain.WorkOrder, error) {
	base := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	if workID == 204 {
		return domain.WorkOrder{
			WorkID: workID,
			Conversation: domain.Conversation{
				WorkID: workID,
				Messages: []domain.Message{
					{Role: domain.RoleSystem, Name: "系统", Content: "工单状态已更新", CreatedAt: base},
				},
			},
		}, nil
	}
	return domain.WorkOrder{
		WorkID: workID,
		Conversation: domain.Conversation{
			WorkID: workID,
			Messages: []domain.Message{
				{Role: domain.RoleCustomer, Name: "车主", Content: "工单" + marker(workID) + "怎么还没处理", CreatedAt: base},
				{Role: domain.RoleAgent, Name: "客服", Content: "这不是我们的问题，找厂家吧", CreatedAt: base.Add(time.Minute)},
			},
		},
	}, nil
}

var markers = map[int64]string{201: "甲", 202: "乙", 203: "丙"}

func marker(workID int64) string {
	if m, ok := markers[workID]; ok {
		return m
	}
	return "未知"
}

func workIDFromText(text string) int64 {
	for id, m := range markers {
		if strings.Contains(text, m) {
			return id
		}
	}
	return 0
}

func defaultRules() func() (domain.RuleSet, error) {
	return func() (domain.RuleSet, error) { return rules.Default(), nil }
}

func TestRunPartialFailureCompletes(t *testing.T) {
	db := newTestDB(t)
	for _, id := range []int64{201, 202, 203, 204} {
		if err := sqlite.EnqueuePending(db, id, 2); err != nil {
			t.Fatalf("EnqueuePending failed: %v", err)
		}
	}
	classifier := &failingClassifier{
		perma:    map[int64]bool{202: true},
		delegate: domain.ClassificationResult{HasEvasion: true, RiskLevel: domain.RiskHigh, Confidence: 0.9, LLMInvoked: true},
	}
	o := New(db, idSource{}, classifier, defaultRules(), Config{RetryTimes: 2, RetryDelay: 10 * time.Millisecond})

	run, err := o.Run(context.Background(), Trigger{Type: domain.TriggerManual, User: "ops"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %q, want completed despite unit failure", run.Status)
	}
	if run.Counts.Total != 4 || run.Counts.Success != 2 || run.Counts.Failed != 1 || run.Counts.Denoised != 1 {
		t.Fatalf("counts = %+v", run.Counts)
	}
	if sum := run.Counts.Success + run.Counts.Failed + run.Counts.Skipped + run.Counts.Denoised + run.Counts.Duplicate; sum != run.Counts.Total {
		t.Fatalf("conservation violated: %+v", run.Counts)
	}
	if !strings.Contains(run.ExecutionDetails, "202") {
		t.Fatalf("details should list the failed work id: %s", run.ExecutionDetails)
	}

	rec, err := sqlite.GetPendingByWorkID(db, 202)
	if err != nil {
		t.Fatalf("GetPendingByWorkID failed: %v", err)
	}
	if rec.Status != domain.PendingStateFailed || rec.LastError == "" {
		t.Fatalf("failed record = %+v", rec)
	}

	// Exhausted unit still leaves a prescreen-only fallback outcome.
	stored, err := sqlite.GetOutcome(db, 202)
	if err != nil {
		t.Fatalf("fallback outcome missing: %v", err)
	}
	if !strings.Contains(stored.Classification.Note, "prescreen only") {
		t.Fatalf("fallback note = %q", stored.Classification.Note)
	}

	persisted, err := sqlite.GetTaskExecution(db, run.TaskID)
	if err != nil {
		t.Fatalf("GetTaskExecution failed: %v", err)
	}
	if persisted.Status != domain.RunStatusCompleted || persisted.Counts != run.Counts {
		t.Fatalf("persisted run = %+v", persisted)
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	db := newTestDB(t)
	if err := sqlite.EnqueuePending(db, 201, 2); err != nil {
		t.Fatalf("EnqueuePending failed: %v", err)
	}
	classifier := &failingClassifier{
		failFor:  map[int64]int{201: 2},
		delegate: domain.ClassificationResult{HasEvasion: false, RiskLevel: domain.RiskLow, LLMInvoked: true},
	}
	o := New(db, idSource{}, classifier, defaultRules(), Config{RetryTimes: 3, RetryDelay: 5 * time.Millisecond})

	run, err := o.Run(context.Background(), Trigger{Type: domain.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Counts.Success != 1 || run.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", run.Counts)
	}
	if classifier.calls != 3 {
		t.Fatalf("classifier calls = %d, want 3 (two failures then success)", classifier.calls)
	}
	rec, _ := sqlite.GetPendingByWorkID(db, 201)
	if rec.Status != domain.PendingStateCompleted {
		t.Fatalf("record status = %q", rec.Status)
	}
}

func TestRunRetryTimesIsRetriesAfterFirstAttempt(t *testing.T) {
	db := newTestDB(t)
	if err := sqlite.EnqueuePending(db, 201, 2); err != nil {
		t.Fatalf("EnqueuePending failed: %v", err)
	}
	// One failure plus retry_times=1 means the single retry succeeds.
	classifier := &failingClassifier{
		failFor:  map[int64]int{201: 1},
		delegate: domain.ClassificationResult{RiskLevel: domain.RiskLow, LLMInvoked: true},
	}
	o := New(db, idSource{}, classifier, defaultRules(), Config{RetryTimes: 1, RetryDelay: 5 * time.Millisecond})

	run, err := o.Run(context.Background(), Trigger{Type: domain.TriggerManual})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Counts.Success != 1 || run.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", run.Counts)
	}
	if classifier.calls != 2 {
		t.Fatalf("classifier calls = %d, want 2 (first attempt plus one retry)", classifier.calls)
	}
}

func TestRunEmptyRuleSetFatal(t *testing.T) {
	db := newTestDB(t)
	o := New(db, stubSource{}, &scriptedClassifier{}, func() (domain.RuleSet, error) {
		return domain.RuleSet{}, nil
	}, Config{})

	if _, err := o.Run(context.Background(), Trigger{Type: domain.TriggerManual}); err == nil {
		t.Fatalf("empty rule set must fail the run at start")
	}
}

func TestRunEmptyQueue(t *testing.T) {
	db := newTestDB(t)
	o := New(db, stubSource{}, &scriptedClassifier{}, defaultRules(), Config{})

	run, err := o.Run(context.Background(), Trigger{Type: domain.TriggerScheduled})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != domain.RunStatusCompleted || run.Counts.Total != 0 {
		t.Fatalf("run = %+v", run)
	}
}

func TestRunCancellation(t *testing.T) {
	db := newTestDB(t)
	for id := int64(301); id <= 305; id++ {
		if err := sqlite.EnqueuePending(db, id, 2); err != nil {
			t.Fatalf("EnqueuePending failed: %v", err)
		}
	}
	block := make(chan struct{})
	classifier := &scriptedClassifier{block: block}
	o := New(db, stubSource{}, classifier, defaultRules(), Config{MaxConcurrent: 1, RetryTimes: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.TaskExecution, 1)
	go func() {
		run, err := o.Run(ctx, Trigger{Type: domain.TriggerManual, User: "ops"})
		if err != nil {
			t.Errorf("Run failed: %v", err)
		}
		done <- run
	}()

	// Wait for the first unit to reach the model call, then cancel.
	deadline := time.After(5 * time.Second)
	for {
		classifier.mu.Lock()
		started := classifier.calls > 0
		classifier.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first unit never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	close(block)

	run := <-done
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %q, want cancelled", run.Status)
	}
	if run.Counts.Total != 5 {
		t.Fatalf("total = %d", run.Counts.Total)
	}

	// The unit that was in flight when the cancel arrived finishes and
	// succeeds; cancellation only stops new dispatches.
	if run.Counts.Success != 1 || run.Counts.Failed != 0 {
		t.Fatalf("in-flight unit must finish: %+v", run.Counts)
	}
	rec, err := sqlite.GetPendingByWorkID(db, 301)
	if err != nil {
		t.Fatalf("GetPendingByWorkID failed: %v", err)
	}
	if rec.Status != domain.PendingStateCompleted {
		t.Fatalf("in-flight record = %+v, want COMPLETED", rec)
	}
	stored, err := sqlite.GetOutcome(db, 301)
	if err != nil {
		t.Fatalf("in-flight outcome missing: %v", err)
	}
	if !stored.Classification.LLMInvoked || strings.Contains(stored.Classification.Note, "prescreen only") {
		t.Fatalf("in-flight unit downgraded to fallback: %+v", stored.Classification)
	}

	// Undispatched units go back to PENDING for the next run.
	status, err := sqlite.QueueStatus(db)
	if err != nil {
		t.Fatalf("QueueStatus failed: %v", err)
	}
	if status[domain.PendingStateProcessing] != 0 {
		t.Fatalf("stuck PROCESSING records after cancel: %v", status)
	}
	if status[domain.PendingStatePending] != 4 {
		t.Fatalf("cancelled run should release undispatched units: %v", status)
	}
}

func TestCancelLetsInFlightUnitFinish(t *testing.T) {
	db := newTestDB(t)
	for id := int64(401); id <= 402; id++ {
		if err := sqlite.EnqueuePending(db, id, 2); err != nil {
			t.Fatalf("EnqueuePending failed: %v", err)
		}
	}
	block := make(chan struct{})
	classifier := &scriptedClassifier{block: block}
	o := New(db, stubSource{}, classifier, defaultRules(), Config{MaxConcurrent: 1, RetryTimes: 1})

	done := make(chan domain.TaskExecution, 1)
	go func() {
		run, err := o.Run(context.Background(), Trigger{Type: domain.TriggerManual, User: "ops"})
		if err != nil {
			t.Errorf("Run failed: %v", err)
		}
		done <- run
	}()

	deadline := time.After(5 * time.Second)
	for {
		classifier.mu.Lock()
		started := classifier.calls > 0
		classifier.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first unit never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	runs, err := sqlite.ListRecentTaskExecutions(db, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("running task record missing: %v %d", err, len(runs))
	}
	if !o.Cancel(runs[0].TaskID) {
		t.Fatalf("Cancel should find the running task")
	}
	close(block)

	run := <-done
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %q, want cancelled", run.Status)
	}
	if run.Counts.Success != 1 || run.Counts.Failed != 0 {
		t.Fatalf("cancelled run must not fail the in-flight unit: %+v", run.Counts)
	}
	rec, err := sqlite.GetPendingByWorkID(db, 401)
	if err != nil || rec.Status != domain.PendingStateCompleted {
		t.Fatalf("in-flight record = %+v err=%v, want COMPLETED", rec, err)
	}
	if rec2, _ := sqlite.GetPendingByWorkID(db, 402); rec2.Status != domain.PendingStatePending {
		t.Fatalf("undispatched record = %+v, want PENDING", rec2)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	db := newTestDB(t)
	o := New(db, stubSource{}, &scriptedClassifier{}, defaultRules(), Config{})
	if o.Cancel("MANUAL_ANALYSIS_20250901000000_deadbeef") {
		t.Fatalf("cancelling an unknown run must return false")
	}
}

func TestNewTaskIDFormat(t *testing.T) {
	id := NewTaskID(domain.TriggerManual)
	if !strings.HasPrefix(id, "MANUAL_ANALYSIS_") {
		t.Fatalf("task id = %q", id)
	}
	parts := strings.Split(id, "_")
	if len(parts) != 4 || len(parts[2]) != 14 || len(parts[3]) != 8 {
		t.Fatalf("task id shape = %q", id)
	}
	if !strings.HasPrefix(NewTaskID(domain.TriggerScheduled), "SCHED_ANALYSIS_") {
		t.Fatalf("scheduled prefix wrong")
	}
}
