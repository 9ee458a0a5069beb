package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/archive"
	"github.com/casevault/pstcorpus/cas"
	"github.com/casevault/pstcorpus/config"
	"github.com/casevault/pstcorpus/ingest"
	"github.com/casevault/pstcorpus/model"
	"github.com/casevault/pstcorpus/progress"
	"github.com/casevault/pstcorpus/runner"
	"github.com/casevault/pstcorpus/stats"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest an exported mail archive into the case corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadIngest(cmd)
		if err != nil {
			return err
		}
		if cfg.MongoURI == "" {
			return fmt.Errorf("attachment storage requires --mongo-uri or %s", config.EnvMongoURI)
		}

		_, logger, db, cleanup, err := setupCommand(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		container, err := archive.NewMboxTree(cfg.ArchivePath, logger)
		if err != nil {
			return err
		}

		index, err := cas.NewFileIndex(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("open blob index: %w", err)
		}
		defer func() {
			_ = index.Close()
		}()
		if err := seedIndex(db, index); err != nil {
			return err
		}

		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect object store: %w", err)
		}
		defer func() {
			_ = client.Disconnect(context.Background())
		}()

		blobs, err := cas.NewGridFSStore(client.Database(cfg.MongoDB), cfg.MongoBucket)
		if err != nil {
			return err
		}
		store := cas.NewStore(blobs, index, cas.Options{
			ScratchDir: cfg.ScratchDir,
			CaseID:     cfg.CaseID,
			Workers:    cfg.Workers,
		}, logger)

		run := runner.New(ctx, logger)

		// With a pre-count the terminal gets a real progress bar; without one
		// the stats reporter logs the summary instead.
		var bar *progress.Bar
		if cfg.Precount {
			total, err := archive.CountMessages(ctx, container)
			if err != nil {
				return fmt.Errorf("count messages: %w", err)
			}
			bar = progress.New(total, cfg.LogLevel)
			progress.NewReporter(run, bar)
		} else {
			stats.NewReporter(run, logger)
		}

		pipeline := ingest.New(db, container, store, ingest.Options{
			CaseID:      cfg.CaseID,
			ArchivePath: cfg.ArchivePath,
			ScratchDir:  cfg.ScratchDir,
			BatchSize:   cfg.BatchSize,
		}, logger)

		summary, runErr := pipeline.Run(ctx, run)
		if bar != nil {
			bar.Stop()
		}
		if err := index.Flush(); err != nil {
			logger.Error("flush blob index", "err", err)
		}

		logger.Info("ingest finished",
			"archiveFile", summary.ArchiveFileID,
			"scanned", summary.Scanned,
			"persisted", summary.Persisted,
			"hidden", summary.Hidden,
			"skippedFolders", summary.SkippedFolders,
			"failedAttachments", summary.FailedAttachments,
			"errors", summary.Errors,
		)
		return runErr
	},
}

// seedIndex warms the blob index from attachment rows persisted by earlier
// runs, so re-ingesting shared content never re-uploads it.
func seedIndex(db *gorm.DB, index *cas.FileIndex) error {
	var rows []struct {
		Digest     string
		StorageKey string
	}
	err := db.Model(&model.Attachment{}).
		Select("digest", "storage_key").
		Where("status = ? AND digest <> ''", model.AttachmentStored).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("seed blob index: %w", err)
	}
	for _, r := range rows {
		index.Seed(r.Digest, r.StorageKey)
	}
	return nil
}

func init() {
	if err := config.RegisterIngestFlags(ingestCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register ingest flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(ingestCmd)
}
