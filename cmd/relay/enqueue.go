package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parallaxlabs/relay/internal/config"
	"github.com/parallaxlabs/relay/internal/credentials"
	"github.com/parallaxlabs/relay/internal/queue"
	"github.com/parallaxlabs/relay/internal/runs"
	"github.com/parallaxlabs/relay/pkg/models"
)

func buildEnqueueCmd() *cobra.Command {
	var (
		configPath string
		runID      string
		prompt     string
		mode       string
		input      string
		userID     string
		teamID     string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a run job to the queue",
		Long: `Submit a run job to the durable queue. With --run the existing run is
re-enqueued (resume after approval or answers); with --prompt a new run
row is created first. Requires a sqlite queue path in the config so the
job reaches a running daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Queue.Path == "" {
				return fmt.Errorf("enqueue requires queue.path in the config")
			}
			if runID == "" && prompt == "" {
				return fmt.Errorf("either --run or --prompt is required")
			}
			return runEnqueue(cmd.Context(), cfg, runID, prompt, models.RunMode(mode), input, userID, teamID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (or RELAY_CONFIG)")
	cmd.Flags().StringVar(&runID, "run", "", "id of an existing run to re-enqueue")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt for a new run")
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeAuto), "run mode (PLAN or AUTO)")
	cmd.Flags().StringVar(&input, "input", "", "job-level input override")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id for a new run")
	cmd.Flags().StringVar(&teamID, "team", "", "owning team id for a new run")
	return cmd
}

func runEnqueue(ctx context.Context, cfg *config.Config, runID, prompt string, mode models.RunMode, input, userID, teamID string) error {
	if runID == "" {
		if cfg.Database.URL == "" {
			return fmt.Errorf("creating a run requires database.url in the config")
		}
		db, err := runs.OpenPostgresURL(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.ConnMaxLifetime)
		if err != nil {
			return err
		}
		stores := runs.PostgresStores(db, nil)
		defer stores.Close()

		now := time.Now()
		run := &models.Run{
			ID:        uuid.NewString(),
			Status:    models.RunQueued,
			Prompt:    prompt,
			Mode:      mode,
			UserID:    userID,
			TeamID:    teamID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := stores.Runs.Create(ctx, run); err != nil {
			return fmt.Errorf("creating run: %w", err)
		}
		runID = run.ID
		fmt.Printf("created run %s\n", runID)
	}

	q, err := queue.OpenSqlite(cfg.Queue.Path, queue.Config{})
	if err != nil {
		return err
	}
	defer q.Stop(ctx)

	job := &models.Job{RunID: runID, Mode: mode, Input: input}
	if err := q.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	fmt.Printf("enqueued job for run %s\n", runID)
	return nil
}

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("migrate requires database.url in the config")
			}
			db, err := runs.OpenPostgresURL(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.ConnMaxLifetime)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := runs.Migrate(cmd.Context(), db, credentials.Schema()); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (or RELAY_CONFIG)")
	return cmd
}
