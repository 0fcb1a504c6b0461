package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"criticalsys.net/entragov/internal/governance"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		flagValues Config
		configPath string
	)

	cmd := &cobra.Command{
		Use:           "entragov",
		Short:         "Assess Entra ID groups for governance issues",
		Long:          "Inventories Entra ID groups through Microsoft Graph and flags empty, orphaned, privileged, duplicate and inactive groups.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := LoadConfig(cmd.Flags(), flagValues, configPath)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, config.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			switch {
			case config.HealthCheck:
				return runHealthCheck(ctx, config, logger)
			case config.UseCache != "":
				return runFromCache(ctx, config, logger)
			default:
				return runLive(ctx, config, logger)
			}
		},
	}
	bindFlags(cmd.Flags(), &flagValues, &configPath)
	return cmd
}

// runLive fetches a fresh snapshot from Graph, stores it, and assesses it.
func runLive(ctx context.Context, config Config, logger *slog.Logger) error {
	client, tenantID, err := connect(ctx, config, logger)
	if err != nil {
		return err
	}
	fetcher := NewFetcher(client, config, logger)

	start := time.Now()
	snap, err := fetcher.Fetch(ctx, tenantID)
	if err != nil {
		return err
	}
	logger.Info("Snapshot fetched", "run", snap.RunID, "groups", len(snap.Groups), "signals", len(snap.Signals), "elapsed", time.Since(start).Round(time.Millisecond))

	base := config.BaseName("assessment", snap.FetchedAt)
	dbFile := config.SnapshotFile
	if dbFile == "" {
		dbFile = filepath.Join(config.OutputDir, base+".db")
	}
	db, err := setupDatabase(ctx, dbFile, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := saveSnapshot(ctx, db, snap); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	logger.Info("Snapshot stored", "file", dbFile)

	now, err := config.EvaluationTime(snap.FetchedAt)
	if err != nil {
		return err
	}
	opts := governance.Options{
		InactiveDays: config.InactiveDays,
		Now:          now,
		Parallel:     config.ParallelJobs,
		SampleSize:   config.SampleSize,
		Logger:       logger,
	}
	if config.MemberActivity {
		opts.Members = fetcher
	}
	res := governance.Assess(ctx, snap, opts)
	logSummary(logger, res.Stats)

	return exportResults(newOutputPaths(config.OutputDir, base), snap, now, res, logger)
}
