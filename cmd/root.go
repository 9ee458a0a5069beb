// Package cmd wires the pstcorpus subcommands: ingest, dedupe, manifest,
// stamp and verify.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/config"
	"github.com/casevault/pstcorpus/database"
)

var rootCmd = &cobra.Command{
	Use:          "pstcorpus",
	Short:        "Forensic mail-archive ingestion, deduplication and export tooling",
	SilenceUsage: true,
}

// Execute runs the CLI. Errors are reported once, here.
func Execute() {
	config.RegisterCommonFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setupCommand resolves the shared configuration, configures logging and
// opens the database. Every subcommand starts here.
func setupCommand(cmd *cobra.Command) (config.Common, *slog.Logger, *gorm.DB, func(), error) {
	cfg, err := config.LoadCommon(cmd)
	if err != nil {
		return config.Common{}, nil, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Common{}, nil, nil, nil, err
	}
	slog.SetDefault(logger)

	db, err := database.Open(database.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN})
	if err != nil {
		cleanup()
		return config.Common{}, nil, nil, nil, err
	}

	return cfg, logger, db, cleanup, nil
}

func setupLogger(cfg config.Common) (*slog.Logger, func(), error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() {}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("pstcorpus-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() {
			_ = file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
