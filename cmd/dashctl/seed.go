package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agents"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/config"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/orchestration"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

const pruneScheduleName = "cache.prune_expired"

func newSeedCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "seed-schedules",
		Short: "Write the default schedules to the configured schedule store",
		Long: `Create one schedule per workflow that declares a cron, plus an
hourly cache prune at quarter past. Schedules that already exist by name are left
untouched, so the command is safe to re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Database.ScheduleStore == config.StoreMemory && !dryRun {
				return fmt.Errorf("schedule store is %q; set SCHEDULE_STORE to postgres or sqlite", cfg.Database.ScheduleStore)
			}
			return seedSchedules(cmd, cfg, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be created without writing")
	return cmd
}

func seedSchedules(cmd *cobra.Command, cfg *config.Config, dryRun bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// The seeding run must not schedule workflows on its own or poll alerts.
	cfg.Workflows.AutoSchedule = false
	cfg.Alerts.CheckInterval = 0

	svc, err := orchestration.NewService(ctx, cfg, orchestration.Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	existing := make(map[string]bool)
	for _, s := range svc.Scheduler.List() {
		existing[s.Name] = true
	}

	created := 0
	for _, def := range svc.Workflows.List() {
		name := "workflow:" + def.ID
		if def.Schedule == "" || existing[name] {
			continue
		}
		if dryRun {
			fmt.Fprintf(out, "would create %s (%s)\n", name, def.Schedule)
			continue
		}
		sched, err := svc.Workflows.Schedule(def.ID, "")
		if err != nil {
			return fmt.Errorf("schedule workflow %s: %w", def.ID, err)
		}
		fmt.Fprintf(out, "created %s %s (%s)\n", sched.ID, sched.Name, sched.Cron)
		created++
	}

	if !existing[pruneScheduleName] {
		if dryRun {
			fmt.Fprintf(out, "would create %s (15 * * * *)\n", pruneScheduleName)
		} else {
			sched, err := svc.Scheduler.Create(scheduler.CreateRequest{
				Name:       pruneScheduleName,
				Cron:       "15 * * * *",
				TaskAgent:  agents.CacheAgent,
				TaskAction: "prune_expired",
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "created %s %s (%s)\n", sched.ID, sched.Name, sched.Cron)
			created++
		}
	}

	fmt.Fprintf(out, "%d schedules created\n", created)
	return nil
}
