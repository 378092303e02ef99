package analyzer

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/rules"
	"github.com/MK-CO/KYXCustomer/internal/storage/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "analyzer-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeSource struct {
	orders map[int64]domain.WorkOrder
	calls  int
}

func (s *fakeSource) WorkOrder(ctx context.Context, workID int64) (domain.WorkOrder, error) {
	s.calls++
	order, ok := s.orders[workID]
	if !ok {
		return domain.WorkOrder{}, errors.New("work order not found")
	}
	return order, nil
}

type fakeClassifier struct {
	result domain.ClassificationResult
	err    error
	calls  int
}

func (c *fakeClassifier) Classify(ctx context.Context, text string, pre domain.PrescreenResult) (domain.ClassificationResult, error) {
	c.calls++
	if c.err != nil {
		return domain.ClassificationResult{}, c.err
	}
	return c.result, nil
}

func evasiveOrder(workID int64) domain.WorkOrder {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	return domain.WorkOrder{
		WorkID:  workID,
		OrderID: workID * 10,
		OrderNo: "D20250801",
		Conversation: domain.Conversation{
			WorkID: workID,
			Messages: []domain.Message{
				{Role: domain.RoleCustomer, Name: "车主", Content: "贴膜起泡了，什么时候能处理？", CreatedAt: base},
				{Role: domain.RoleAgent, Name: "客服", Content: "这不是我们的问题，找厂家吧", CreatedAt: base.Add(time.Minute)},
			},
		},
	}
}

func cleanOrder(workID int64) domain.WorkOrder {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	return domain.WorkOrder{
		WorkID: workID,
		Conversation: domain.Conversation{
			WorkID: workID,
			Messages: []domain.Message{
				{Role: domain.RoleCustomer, Name: "车主", Content: "师傅什么时候到？", CreatedAt: base},
				{Role: domain.RoleAgent, Name: "客服", Content: "师傅预计明天上午十点上门安装", CreatedAt: base.Add(time.Minute)},
			},
		},
	}
}

func newTestProcessor(t *testing.T, db *sql.DB, source ConversationSource, c Classifier) *Processor {
	t.Helper()
	p, err := NewProcessor(db, source, rules.Default(), c)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p
}

func TestProcessEmptyConversation(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{orders: map[int64]domain.WorkOrder{1: {WorkID: 1}}}
	classifier := &fakeClassifier{}
	p := newTestProcessor(t, db, source, classifier)

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 1}, Options{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Disposition != DispositionSkipped {
		t.Fatalf("disposition = %q, want skipped", res.Disposition)
	}
	if classifier.calls != 0 {
		t.Fatalf("model must not be called for an empty conversation")
	}
	stored, err := sqlite.GetOutcome(db, 1)
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if stored.Classification.Note != "empty conversation" {
		t.Fatalf("note = %q", stored.Classification.Note)
	}
}

func TestProcessDuplicateWithoutForce(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{orders: map[int64]domain.WorkOrder{5: evasiveOrder(5)}}
	classifier := &fakeClassifier{result: domain.ClassificationResult{HasEvasion: true, RiskLevel: domain.RiskHigh, Confidence: 0.9}}
	p := newTestProcessor(t, db, source, classifier)

	if _, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 5}, Options{}); err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d, want 1", classifier.calls)
	}

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 5}, Options{})
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if res.Disposition != DispositionDuplicate {
		t.Fatalf("disposition = %q, want duplicate", res.Disposition)
	}
	if classifier.calls != 1 {
		t.Fatalf("duplicate must not re-run the model, calls = %d", classifier.calls)
	}

	// Force reprocesses and overwrites.
	res, err = p.Process(context.Background(), domain.PendingRecord{WorkID: 5}, Options{Force: true})
	if err != nil {
		t.Fatalf("forced Process failed: %v", err)
	}
	if res.Disposition != DispositionSuccess || classifier.calls != 2 {
		t.Fatalf("forced run: disposition=%q calls=%d", res.Disposition, classifier.calls)
	}
}

func TestProcessPrescreenGateSkipsModel(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{orders: map[int64]domain.WorkOrder{7: cleanOrder(7)}}
	classifier := &fakeClassifier{}
	p := newTestProcessor(t, db, source, classifier)

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 7}, Options{PrescreenGate: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Disposition != DispositionSuccess {
		t.Fatalf("disposition = %q", res.Disposition)
	}
	if classifier.calls != 0 {
		t.Fatalf("gated unit must skip the model call")
	}
	if res.Outcome.Classification.LLMInvoked {
		t.Fatalf("LLMInvoked must be false on a gated unit")
	}
	if !strings.Contains(res.Outcome.Classification.Note, "prescreen negative") {
		t.Fatalf("note = %q", res.Outcome.Classification.Note)
	}
}

func TestProcessGateStillClassifiesSuspicious(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{orders: map[int64]domain.WorkOrder{8: evasiveOrder(8)}}
	classifier := &fakeClassifier{result: domain.ClassificationResult{HasEvasion: true, RiskLevel: domain.RiskHigh, Confidence: 0.9, LLMInvoked: true}}
	p := newTestProcessor(t, db, source, classifier)

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 8}, Options{PrescreenGate: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if classifier.calls != 1 {
		t.Fatalf("suspicious unit must be classified, calls = %d", classifier.calls)
	}
	if !res.Outcome.Prescreen.IsSuspicious {
		t.Fatalf("prescreen should flag the shirking reply: %+v", res.Outcome.Prescreen)
	}
	if !res.Outcome.Classification.HasEvasion {
		t.Fatalf("classification lost: %+v", res.Outcome.Classification)
	}
}

func TestProcessClassifierErrorReturnsPartial(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{orders: map[int64]domain.WorkOrder{9: evasiveOrder(9)}}
	classifier := &fakeClassifier{err: errors.New("connection reset")}
	p := newTestProcessor(t, db, source, classifier)

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 9}, Options{})
	if err == nil {
		t.Fatalf("classification failure must surface")
	}
	if IsPersistence(err) {
		t.Fatalf("classification failure must not be a persistence error")
	}
	if res.Outcome.WorkID != 9 || len(res.Outcome.Prescreen.MatchedCategories) == 0 {
		t.Fatalf("partial outcome missing prescreen evidence: %+v", res.Outcome)
	}
	if ok, _ := sqlite.HasOutcome(db, 9); ok {
		t.Fatalf("failed unit must not persist a normal outcome")
	}

	// Exhausted retries fall back to a prescreen-only record.
	if err := p.PersistFallback(context.Background(), res.Outcome, err); err != nil {
		t.Fatalf("PersistFallback failed: %v", err)
	}
	stored, err := sqlite.GetOutcome(db, 9)
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if !strings.Contains(stored.Classification.Note, "prescreen only") {
		t.Fatalf("fallback note = %q", stored.Classification.Note)
	}
	if stored.Classification.LLMInvoked {
		t.Fatalf("fallback outcome must not claim a model call")
	}
	if !stored.Classification.HasEvasion || stored.Classification.RiskLevel != domain.RiskHigh {
		t.Fatalf("fallback should reflect prescreen evidence: %+v", stored.Classification)
	}
}

func TestProcessEmptyAfterDenoise(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	order := domain.WorkOrder{
		WorkID: 11,
		Conversation: domain.Conversation{
			WorkID: 11,
			Messages: []domain.Message{
				{Role: domain.RoleSystem, Name: "系统", Content: "工单状态已更新", CreatedAt: base},
				{Role: domain.RoleSystem, Name: "系统", Content: "工单已分配", CreatedAt: base.Add(time.Minute)},
			},
		},
	}
	source := &fakeSource{orders: map[int64]domain.WorkOrder{11: order}}
	classifier := &fakeClassifier{}
	p := newTestProcessor(t, db, source, classifier)

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 11}, Options{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Disposition != DispositionDenoised {
		t.Fatalf("disposition = %q, want denoised", res.Disposition)
	}
	if classifier.calls != 0 {
		t.Fatalf("fully denoised unit must not reach the model")
	}
	stored, err := sqlite.GetOutcome(db, 11)
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if stored.Classification.Note != "conversation empty after denoise" {
		t.Fatalf("note = %q", stored.Classification.Note)
	}
	if stored.Denoise.RemovedCount != 2 || stored.Denoise.FilteredCount != 0 {
		t.Fatalf("denoise counts: %+v", stored.Denoise)
	}
}

func TestProcessCountsDenoised(t *testing.T) {
	db := newTestDB(t)
	order := evasiveOrder(12)
	order.Conversation.Messages = append(order.Conversation.Messages,
		domain.Message{Role: domain.RoleSystem, Name: "系统", Content: "工单状态已更新", CreatedAt: time.Now()})
	source := &fakeSource{orders: map[int64]domain.WorkOrder{12: order}}
	classifier := &fakeClassifier{result: domain.ClassificationResult{RiskLevel: domain.RiskLow}}
	p := newTestProcessor(t, db, source, classifier)

	res, err := p.Process(context.Background(), domain.PendingRecord{WorkID: 12}, Options{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Denoised {
		t.Fatalf("system message removal should mark the unit denoised")
	}
	if res.Outcome.TotalComments != 3 || res.Outcome.Denoise.RemovedCount != 1 {
		t.Fatalf("counts: total=%d removed=%d", res.Outcome.TotalComments, res.Outcome.Denoise.RemovedCount)
	}
}
