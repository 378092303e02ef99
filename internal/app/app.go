// Package app wires the pipeline together: config, database, rule
// snapshot seeding, model provider, orchestrator, and scheduler.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MK-CO/KYXCustomer/internal/config"
	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/examples"
	"github.com/MK-CO/KYXCustomer/internal/llm"
	"github.com/MK-CO/KYXCustomer/internal/orchestrator"
	"github.com/MK-CO/KYXCustomer/internal/rules"
	"github.com/MK-CO/KYXCustomer/internal/scheduler"
	"github.com/MK-CO/KYXCustomer/internal/storage/sqlite"
)

func Main() {
	cfg := config.LoadConfig()
	log.Printf("Config loaded. Provider=%s Model=%s BatchSize=%d MaxConcurrent=%d RetryTimes=%d ScoreMode=%s Timezone=%s",
		cfg.LLMProvider, cfg.LLMModel, cfg.BatchSize, cfg.MaxConcurrent, cfg.RetryTimes, cfg.ScoreMode, cfg.Timezone)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	defer db.Close()

	// Records orphaned by a crashed run go back to the queue.
	if released, err := sqlite.ReleaseStaleProcessing(db); err != nil {
		log.Printf("release stale processing err=%v", err)
	} else if released > 0 {
		log.Printf("released %d stale PROCESSING records", released)
	}

	apiKey := cfg.AnthropicAPIKey
	if cfg.LLMProvider == "openai" {
		apiKey = cfg.OpenAIAPIKey
	}
	provider, err := llm.NewProvider(llm.Options{
		Provider:  cfg.LLMProvider,
		Model:     cfg.LLMModel,
		APIKey:    apiKey,
		BaseURL:   cfg.LLMBaseURL,
		MaxTokens: int64(cfg.LLMMaxTokens),
	})
	if err != nil {
		log.Fatalf("Failed to create LLM provider: %v", err)
	}

	exs, err := examples.Load(cfg.ExamplesPath)
	if err != nil {
		log.Fatalf("Failed to load few-shot examples: %v", err)
	}
	classifier := llm.NewClassifier(provider, cfg.LLMTimeout(), exs)

	defaults := rules.Default()
	defaults.ScoreMode = cfg.ScoreMode
	if cfg.SuspicionMin > 0 {
		defaults.SuspicionThreshold = cfg.SuspicionMin
	}
	loadRules := func() (domain.RuleSet, error) {
		return sqlite.LoadRuleSet(db, defaults)
	}

	orch := orchestrator.New(db, sqlite.Source{DB: db}, classifier, loadRules, orchestrator.Config{
		BatchSize:     cfg.BatchSize,
		MaxConcurrent: cfg.MaxConcurrent,
		RetryTimes:    cfg.RetryTimes,
		RetryDelay:    cfg.RetryDelay(),
		PrescreenGate: cfg.PrescreenGate,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command() {
	case "run":
		runOnce(ctx, orch, false)
	case "run-force":
		runOnce(ctx, orch, true)
	case "status":
		printStatus(db)
	case "reset-failed":
		reset, err := sqlite.ResetFailed(db)
		if err != nil {
			log.Fatalf("Failed to reset failed records: %v", err)
		}
		log.Printf("reset %d FAILED records to PENDING", reset)
	case "add-keyword":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: kyxcustomer add-keyword <category> <keyword>")
			os.Exit(2)
		}
		if _, err := sqlite.LoadRuleSet(db, defaults); err != nil {
			log.Fatalf("Failed to load rule set: %v", err)
		}
		if err := sqlite.AddCategoryKeyword(db, os.Args[2], os.Args[3]); err != nil {
			log.Fatalf("Failed to add keyword: %v", err)
		}
		log.Printf("added keyword %q to category %q", os.Args[3], os.Args[2])
	case "serve":
		scheduler.Start(ctx, db, orch, scheduler.Config{
			AnalysisSchedule: cfg.AnalysisSchedule,
			CleanupSchedule:  cfg.CleanupSchedule,
			RetentionDays:    cfg.RetentionDays,
			Location:         cfg.Location,
		})
		log.Println("Starting analysis service. Ctrl+C to stop.")
		<-ctx.Done()
		log.Println("Shutting down")
	default:
		fmt.Fprintln(os.Stderr, "usage: kyxcustomer [serve|run|run-force|status|reset-failed|add-keyword]")
		os.Exit(2)
	}
}

func command() string {
	if len(os.Args) < 2 {
		return "serve"
	}
	return os.Args[1]
}

func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, force bool) {
	run, err := orch.Run(ctx, orchestrator.Trigger{
		Type:  domain.TriggerManual,
		User:  os.Getenv("USER"),
		Force: force,
	})
	if err != nil {
		log.Fatalf("Analysis run failed: %v", err)
	}
	log.Printf("run %s finished status=%s total=%d success=%d failed=%d skipped=%d duplicate=%d denoised=%d",
		run.TaskID, run.Status, run.Counts.Total, run.Counts.Success, run.Counts.Failed,
		run.Counts.Skipped, run.Counts.Duplicate, run.Counts.Denoised)
}

func printStatus(db *sql.DB) {
	status, err := sqlite.QueueStatus(db)
	if err != nil {
		log.Fatalf("Failed to read queue status: %v", err)
	}
	for _, state := range []string{
		domain.PendingStatePending, domain.PendingStateProcessing,
		domain.PendingStateCompleted, domain.PendingStateFailed,
	} {
		fmt.Printf("%-10s %d\n", state, status[state])
	}
	runs, err := sqlite.ListRecentTaskExecutions(db, 5)
	if err != nil {
		log.Fatalf("Failed to list recent runs: %v", err)
	}
	for _, r := range runs {
		fmt.Printf("%s %s total=%d success=%d failed=%d\n",
			r.TaskID, r.Status, r.Counts.Total, r.Counts.Success, r.Counts.Failed)
	}
}
