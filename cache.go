package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"criticalsys.net/entragov/internal/governance"
)

// runFromCache assesses the newest snapshot stored in config.UseCache without
// touching the Graph API.
func runFromCache(ctx context.Context, config Config, logger *slog.Logger) error {
	fileInfo, err := os.Stat(config.UseCache)
	if err != nil {
		// This should have been caught by validation in LoadConfig, but check again.
		return fmt.Errorf("could not stat cache file: %w", err)
	}
	logger.Info("Querying from cache file. Data may be outdated.", "file", config.UseCache, "modified", fileInfo.ModTime().Format(time.RFC1123))
	if config.MemberActivity || config.Guests {
		logger.Info("Remark: member-level analysis needs the Graph API and is skipped when using --use-cache.")
	}

	db, err := sql.Open("sqlite", config.UseCache)
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	defer db.Close()

	snap, err := loadLatestSnapshot(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("Loaded snapshot from cache", "run", snap.RunID, "tenant", snap.TenantID, "fetched", snap.FetchedAt.Format(time.RFC3339), "groups", len(snap.Groups))

	now, err := config.EvaluationTime(snap.FetchedAt)
	if err != nil {
		return err
	}
	res := governance.Assess(ctx, snap, governance.Options{
		InactiveDays: config.InactiveDays,
		Now:          now,
		Parallel:     config.ParallelJobs,
		Logger:       logger,
	})
	logSummary(logger, res.Stats)

	base := config.BaseName("cached-assessment", now)
	return exportResults(newOutputPaths(config.OutputDir, base), snap, now, res, logger)
}

func logSummary(logger *slog.Logger, s governance.TenantStats) {
	logger.Info("Assessment complete",
		"groups", s.Total,
		"active", s.ByStatus[governance.StatusActive],
		"inactive", s.ByStatus[governance.StatusInactive],
		"noSignal", s.ByStatus[governance.StatusNoSignal],
		"requiringAction", s.RequiringAction,
		"partial", s.Flags.Partial)
	if n := s.ByStatus[governance.StatusNoSignal]; n > 0 {
		logger.Warn("Groups without any activity signal are counted as inactive", "count", n)
	}
}
