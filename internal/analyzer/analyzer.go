// Package analyzer runs one work order through the full analysis chain:
// denoise, keyword prescreen, model classification, and outcome upsert.
package analyzer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MK-CO/KYXCustomer/internal/denoise"
	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/prescreen"
	"github.com/MK-CO/KYXCustomer/internal/storage/sqlite"
)

// ErrPersistence marks storage failures so callers can tell them apart
// from classification failures when deciding how to record a unit.
var ErrPersistence = errors.New("persistence failure")

// Unit dispositions as tallied by the orchestrator.
const (
	DispositionSuccess   = "success"
	DispositionSkipped   = "skipped"
	DispositionDenoised  = "denoised"
	DispositionDuplicate = "duplicate"
)

// ConversationSource fetches the work order and its conversation for a
// pending record. Backed by the business comment tables in production and
// by fakes in tests.
type ConversationSource interface {
	WorkOrder(ctx context.Context, workID int64) (domain.WorkOrder, error)
}

// Classifier is the model stage contract the processor depends on.
type Classifier interface {
	Classify(ctx context.Context, conversationText string, pre domain.PrescreenResult) (domain.ClassificationResult, error)
}

// Options control per-run processing behavior.
type Options struct {
	// Force reprocesses a work order that already has a stored outcome.
	Force bool
	// PrescreenGate skips the model call for units the prescreen did not
	// flag. When false every non-empty unit is classified.
	PrescreenGate bool
}

// Result is one processed unit: the outcome (when one was produced), the
// disposition tally bucket, and whether denoising removed anything.
type Result struct {
	Outcome     domain.WorkUnitOutcome
	Disposition string
	Denoised    bool
}

// Processor is safe for concurrent use: the filter and engine are
// immutable after construction and the database handle serializes itself.
type Processor struct {
	db         *sql.DB
	source     ConversationSource
	filter     *denoise.Filter
	engine     *prescreen.Engine
	classifier Classifier
}

func NewProcessor(db *sql.DB, source ConversationSource, rs domain.RuleSet, classifier Classifier) (*Processor, error) {
	filter, err := denoise.NewFilter(rs.Denoise)
	if err != nil {
		return nil, fmt.Errorf("compile denoise rules: %w", err)
	}
	engine, err := prescreen.NewEngine(rs)
	if err != nil {
		return nil, fmt.Errorf("compile prescreen rules: %w", err)
	}
	return &Processor{db: db, source: source, filter: filter, engine: engine, classifier: classifier}, nil
}

// Process analyzes one pending record end to end. A classification error
// is returned for the caller to retry; every other path persists an
// outcome and returns its disposition.
func (p *Processor) Process(ctx context.Context, rec domain.PendingRecord, opts Options) (Result, error) {
	if !opts.Force {
		exists, err := sqlite.HasOutcome(p.db, rec.WorkID)
		if err != nil {
			return Result{}, fmt.Errorf("%w: check outcome work=%d: %v", ErrPersistence, rec.WorkID, err)
		}
		if exists {
			log.Printf("analyzer work=%d duplicate, keeping stored outcome", rec.WorkID)
			return Result{Disposition: DispositionDuplicate}, nil
		}
	}

	order, err := p.source.WorkOrder(ctx, rec.WorkID)
	if err != nil {
		return Result{}, fmt.Errorf("load work order %d: %w", rec.WorkID, err)
	}

	if order.Conversation.Len() == 0 {
		outcome := p.emptyOutcome(order)
		if err := sqlite.UpsertOutcome(p.db, outcome); err != nil {
			return Result{}, fmt.Errorf("%w: save empty outcome work=%d: %v", ErrPersistence, rec.WorkID, err)
		}
		log.Printf("analyzer work=%d empty conversation, skipped", rec.WorkID)
		return Result{Outcome: outcome, Disposition: DispositionSkipped}, nil
	}

	clean, denoiseResult := p.filter.Apply(order.Conversation)
	pre := p.engine.Scan(clean)
	outcome := buildOutcome(order, clean, denoiseResult, pre)

	if clean.Len() == 0 {
		outcome.Classification = domain.ClassificationResult{
			RiskLevel: domain.RiskLow,
			Sentiment: "neutral",
			Note:      "conversation empty after denoise",
		}
		if err := sqlite.UpsertOutcome(p.db, outcome); err != nil {
			return Result{}, fmt.Errorf("%w: save denoised outcome work=%d: %v", ErrPersistence, rec.WorkID, err)
		}
		log.Printf("analyzer work=%d nothing left after denoise", rec.WorkID)
		return Result{Outcome: outcome, Disposition: DispositionDenoised, Denoised: true}, nil
	}

	if opts.PrescreenGate && !pre.IsSuspicious {
		outcome.Classification = domain.ClassificationResult{
			RiskLevel: domain.RiskLow,
			Sentiment: "neutral",
			Note:      "prescreen negative, model call skipped",
		}
	} else {
		classification, err := p.classifier.Classify(ctx, clean.Text(), pre)
		if err != nil {
			return Result{Outcome: outcome, Denoised: denoiseResult.RemovedCount > 0},
				fmt.Errorf("classify work=%d: %w", rec.WorkID, err)
		}
		outcome.Classification = classification
	}

	if err := sqlite.UpsertOutcome(p.db, outcome); err != nil {
		return Result{}, fmt.Errorf("%w: save outcome work=%d: %v", ErrPersistence, rec.WorkID, err)
	}
	return Result{Outcome: outcome, Disposition: DispositionSuccess, Denoised: denoiseResult.RemovedCount > 0}, nil
}

// PersistFallback stores a prescreen-only outcome for a unit whose model
// calls kept failing. The unit still counts as failed; this keeps the
// keyword evidence queryable instead of losing the whole analysis.
func (p *Processor) PersistFallback(ctx context.Context, partial domain.WorkUnitOutcome, cause error) error {
	partial.Classification = domain.ClassificationResult{
		HasEvasion: partial.Prescreen.IsSuspicious,
		RiskLevel:  fallbackRisk(partial.Prescreen),
		Sentiment:  "neutral",
		Note:       fmt.Sprintf("analysis failed, prescreen only: %v", cause),
	}
	partial.AnalyzedAt = time.Now()
	if err := sqlite.UpsertOutcome(p.db, partial); err != nil {
		return fmt.Errorf("%w: save fallback outcome work=%d: %v", ErrPersistence, partial.WorkID, err)
	}
	log.Printf("analyzer work=%d persisted prescreen-only fallback", partial.WorkID)
	return nil
}

// IsPersistence reports whether err came from the storage layer rather
// than the model stage.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

func (p *Processor) emptyOutcome(order domain.WorkOrder) domain.WorkUnitOutcome {
	return domain.WorkUnitOutcome{
		WorkID:  order.WorkID,
		OrderID: order.OrderID,
		OrderNo: order.OrderNo,
		Classification: domain.ClassificationResult{
			RiskLevel: domain.RiskLow,
			Sentiment: "neutral",
			Note:      "empty conversation",
		},
		AnalyzedAt: time.Now(),
	}
}

func buildOutcome(order domain.WorkOrder, clean domain.Conversation, d domain.DenoiseResult, pre domain.PrescreenResult) domain.WorkUnitOutcome {
	start, end, _ := order.Conversation.SessionBounds()
	return domain.WorkUnitOutcome{
		WorkID:           order.WorkID,
		OrderID:          order.OrderID,
		OrderNo:          order.OrderNo,
		SessionStart:     start,
		SessionEnd:       end,
		TotalComments:    order.Conversation.Len(),
		CustomerComments: order.Conversation.CountByRole(domain.RoleCustomer),
		AgentComments:    order.Conversation.CountByRole(domain.RoleAgent),
		ConversationText: clean.Text(),
		Denoise:          d,
		Prescreen:        pre,
		AnalyzedAt:       time.Now(),
	}
}

func fallbackRisk(pre domain.PrescreenResult) string {
	if !pre.IsSuspicious {
		return domain.RiskLow
	}
	risk := domain.RiskLow
	for _, m := range pre.MatchedDetail {
		if m.Excluded {
			continue
		}
		switch m.RiskLevel {
		case domain.RiskHigh:
			return domain.RiskHigh
		case domain.RiskMedium:
			risk = domain.RiskMedium
		}
	}
	return risk
}
