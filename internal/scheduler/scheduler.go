// Package scheduler runs the analysis batch and the retention cleanup on
// cron schedules. Manual runs bypass it and call the orchestrator directly.
package scheduler

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MK-CO/KYXCustomer/internal/domain"
	"github.com/MK-CO/KYXCustomer/internal/orchestrator"
	"github.com/MK-CO/KYXCustomer/internal/storage/sqlite"
)

type Config struct {
	// AnalysisSchedule is a standard 5-field cron expression
	// (minute hour day-of-month month day-of-week). Empty disables the
	// scheduled trigger; manual runs still work.
	AnalysisSchedule string
	// CleanupSchedule triggers retention cleanup. Empty disables it.
	CleanupSchedule string
	RetentionDays   int
	Location        *time.Location
}

// Start launches the cron loops. It returns immediately; the loops stop
// when ctx is cancelled.
func Start(ctx context.Context, db *sql.DB, orch *orchestrator.Orchestrator, cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	if schedule := strings.TrimSpace(cfg.AnalysisSchedule); schedule != "" {
		runLoop(ctx, schedule, cfg.Location, "analysis", func() {
			run, err := orch.Run(ctx, orchestrator.Trigger{Type: domain.TriggerScheduled, User: "scheduler"})
			if err != nil {
				log.Printf("scheduler analysis run error: %v", err)
				return
			}
			log.Printf("scheduler analysis run=%s total=%d success=%d failed=%d",
				run.TaskID, run.Counts.Total, run.Counts.Success, run.Counts.Failed)
		})
	} else {
		log.Println("Scheduled analysis disabled (analysis_schedule not set)")
	}

	if schedule := strings.TrimSpace(cfg.CleanupSchedule); schedule != "" && cfg.RetentionDays > 0 {
		runLoop(ctx, schedule, cfg.Location, "cleanup", func() {
			cutoff := time.Now().In(cfg.Location).AddDate(0, 0, -cfg.RetentionDays)
			removed, err := sqlite.CleanupOldResults(db, cutoff)
			if err != nil {
				log.Printf("scheduler cleanup error: %v", err)
				return
			}
			log.Printf("scheduler cleanup removed=%d cutoff=%s", removed, cutoff.Format("2006-01-02"))
		})
	} else {
		log.Println("Retention cleanup disabled (cleanup_schedule or retention_days not set)")
	}
}

// runLoop sleeps until each next cron firing and invokes job. A job runs
// to completion before the next firing is computed, so overlapping runs
// of the same job never happen.
func runLoop(ctx context.Context, schedule string, loc *time.Location, name string, job func()) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid %s schedule '%s': %v, disabled", name, schedule, err)
		return
	}
	log.Printf("Scheduled %s (cron: %s)", name, schedule)

	go func() {
		for {
			now := time.Now().In(loc)
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next %s at %s (in %s)", name, next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			select {
			case <-ctx.Done():
				log.Printf("Scheduler %s stopped", name)
				return
			case <-time.After(wait):
			}
			job()
		}
	}()
}
