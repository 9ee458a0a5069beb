package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casevault/pstcorpus/config"
	"github.com/casevault/pstcorpus/dedupe"
	"github.com/casevault/pstcorpus/model"
	"github.com/casevault/pstcorpus/thread"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Collapse duplicate messages across the case's archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDedupe(cmd)
		if err != nil {
			return err
		}

		_, logger, db, cleanup, err := setupCommand(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Threads first: late-arriving archives may have completed chains that
		// were broken at ingest time.
		if _, err := thread.NewAssigner(db, logger).Run(ctx, cfg.CaseID); err != nil {
			return err
		}

		summary, err := dedupe.New(db, logger).Run(ctx, dedupe.Options{
			CaseID:   cfg.CaseID,
			Strategy: dedupe.Strategy(cfg.Winner),
		})
		if err != nil {
			return err
		}

		logger.Info("dedupe finished",
			"run", summary.RunID,
			"examined", summary.Examined,
			"decisions", summary.Decisions,
			"byMessageId", summary.ByLevel[model.LevelMessageID],
			"byStrictHash", summary.ByLevel[model.LevelStrict],
			"byRelaxedHash", summary.ByLevel[model.LevelRelaxed],
		)
		return nil
	},
}

func init() {
	config.RegisterDedupeFlags(dedupeCmd)
	rootCmd.AddCommand(dedupeCmd)
}
