// Package ingest orchestrates one archive ingestion: stream messages out of
// the container, classify before any heavy extraction, canonicalize and hash,
// persist in bounded batches, and hand attachment bytes to the blob store.
// The source archive is never written to.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/archive"
	"github.com/casevault/pstcorpus/canonical"
	"github.com/casevault/pstcorpus/cas"
	"github.com/casevault/pstcorpus/classify"
	"github.com/casevault/pstcorpus/model"
	"github.com/casevault/pstcorpus/runner"
	"github.com/casevault/pstcorpus/stats"
	"github.com/casevault/pstcorpus/thread"
)

const defaultBatchSize = 200

// Options configure one ingestion run.
type Options struct {
	CaseID      string
	ArchivePath string
	// ScratchDir is the spool volume; the space precondition is checked
	// against it before anything else happens.
	ScratchDir string
	// BatchSize bounds how many messages are held before a database flush.
	BatchSize int
}

// Summary is the outcome of one run. Partial success is reported, never
// hidden: skipped folders and failed attachments appear alongside the
// processed counts.
type Summary struct {
	ArchiveFileID     string
	Scanned           int
	Persisted         int
	Hidden            int
	SkippedFolders    int
	FailedAttachments int
	Errors            int
}

// Pipeline wires the stages for one archive.
type Pipeline struct {
	db        *gorm.DB
	container archive.Container
	blobs     *cas.Store
	logger    *slog.Logger
	opts      Options
}

func New(db *gorm.DB, container archive.Container, blobs *cas.Store, opts Options, logger *slog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{db: db, container: container, blobs: blobs, logger: logger, opts: opts}
}

// Run executes the full ingestion. The scratch precondition is fatal before
// any write; everything after that is skip-and-continue.
func (p *Pipeline) Run(ctx context.Context, run *runner.Runner) (Summary, error) {
	size, err := p.container.Size()
	if err != nil {
		return Summary{}, err
	}
	if err := archive.CheckScratchSpace(p.opts.ScratchDir, size); err != nil {
		return Summary{}, err
	}

	archiveFile := model.ArchiveFile{
		ID:        uuid.NewString(),
		CaseID:    p.opts.CaseID,
		Path:      p.opts.ArchivePath,
		SizeBytes: size,
		Status:    model.ArchiveProcessing,
	}
	now := time.Now().UTC()
	archiveFile.ProcessingStartedAt = &now
	if err := p.db.WithContext(ctx).Create(&archiveFile).Error; err != nil {
		return Summary{}, fmt.Errorf("create archive record: %w", err)
	}

	collector := stats.NewCollector()
	run.SubscribeStats("ingest-collector", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})

	envelopes := make(chan archive.Envelope, 32)

	run.AddStage("archive", func(ctx context.Context) error {
		defer close(envelopes)
		skips, err := p.container.Stream(ctx, envelopes)
		for _, skip := range skips {
			p.recordSkip(run, archiveFile.ID, skip)
		}
		return err
	})

	run.AddStage("process", func(ctx context.Context) error {
		return p.consume(ctx, run, archiveFile.ID, envelopes)
	})

	runErr := run.Start()

	// The event bus is closed; uploads scheduled by the stages are still in
	// flight and keep running until the pool drains.
	failed := p.blobs.Wait()
	p.markFailedUploads(failed)

	if runErr == nil {
		if _, err := thread.NewAssigner(p.db, p.logger).Run(ctx, p.opts.CaseID); err != nil {
			runErr = err
		}
	}

	summary := p.finalize(archiveFile.ID, collector.Snapshot(), len(failed), runErr)
	return summary, runErr
}

// consume drains the envelope stream: classify gate first, heavy extraction
// only for visible messages, batched persistence with a cancellation check
// between batches.
func (p *Pipeline) consume(ctx context.Context, run *runner.Runner, archiveFileID string, envelopes <-chan archive.Envelope) error {
	var msgBatch []model.Message
	var attBatch []model.Attachment

	flush := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(msgBatch) == 0 && len(attBatch) == 0 {
			return nil
		}
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if len(msgBatch) > 0 {
				if err := tx.CreateInBatches(msgBatch, len(msgBatch)).Error; err != nil {
					return err
				}
			}
			if len(attBatch) > 0 {
				if err := tx.CreateInBatches(attBatch, len(attBatch)).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist batch: %w", err)
		}
		for _, m := range msgBatch {
			run.EmitEvent(stats.Event{Stage: stats.StagePersist, Type: stats.EventTypePersisted, MessageID: m.MessageID})
		}
		msgBatch = msgBatch[:0]
		attBatch = attBatch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return flush()
			}
			if env.Err != nil {
				run.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Err: env.Err})
				continue
			}

			msg, atts := p.buildMessage(ctx, run, archiveFileID, env)
			msgBatch = append(msgBatch, msg)
			attBatch = append(attBatch, atts...)

			if len(msgBatch) >= p.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

// buildMessage turns one raw envelope into a row, running the classify gate
// before deciding whether the body is extracted at all. Hidden messages keep
// their threading metadata so replies to them still resolve.
func (p *Pipeline) buildMessage(ctx context.Context, run *runner.Runner, archiveFileID string, env archive.Envelope) (model.Message, []model.Attachment) {
	run.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeScanned})

	msg := model.Message{
		ID:            uuid.NewString(),
		ArchiveFileID: archiveFileID,
		CaseID:        p.opts.CaseID,
		IngestSeq:     env.Seq,
		FolderPath:    env.FolderPath,
		Status:        model.StatusNormal,
	}

	headers, err := archive.ParseHeaders(env.Raw)
	if err != nil {
		// Unparseable message: keep an addressable row so the archive count
		// still reconciles, and surface the error.
		run.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Err: err})
		msg.Subject = "(unparseable message)"
		return msg, nil
	}
	applyHeaders(&msg, headers)

	verdict := classify.Classify(headers.Subject, headers.SenderEmail, "")
	msg.ClassifyScore = verdict.Score
	msg.ClassifyCategory = verdict.Category
	switch {
	case verdict.IsOtherProject:
		msg.Status = model.StatusOtherProject
		msg.OtherProject = classify.ExtractOtherProject(headers.Subject)
	case verdict.IsSpam:
		msg.Status = model.StatusSpam
	}

	if verdict.AutoHide {
		// Gate: no body extraction, no attachment uploads. Threading fields
		// above are already populated.
		msg.IsHidden = true
		run.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeHidden, MessageID: msg.MessageID, Detail: verdict.Category})
		return msg, nil
	}

	var atts []model.Attachment
	parsed, err := archive.Parse(env.Raw, func(meta archive.AttachmentMeta, r io.Reader) error {
		att := model.Attachment{
			ID:          uuid.NewString(),
			MessageID:   msg.ID,
			Filename:    meta.Filename,
			ContentType: meta.ContentType,
			IsInline:    meta.Inline,
			Status:      model.AttachmentStored,
		}
		res, err := p.blobs.Store(ctx, att.ID, r, cas.Metadata{
			Filename:    meta.Filename,
			ContentType: meta.ContentType,
		})
		if err != nil {
			att.Status = model.AttachmentFailed
			att.Error = err.Error()
			run.EmitEvent(stats.Event{Stage: stats.StageBlob, Type: stats.EventTypeError, Err: err})
		} else {
			att.Digest = res.Digest
			att.StorageKey = res.Key
			att.SizeBytes = res.Size
			att.IsDuplicate = res.Duplicate
			evt := stats.EventTypeBlobStored
			if res.Duplicate {
				evt = stats.EventTypeBlobDuplicate
			}
			run.EmitEvent(stats.Event{Stage: stats.StageBlob, Type: evt, Detail: res.Digest})
		}
		atts = append(atts, att)
		return nil
	})
	if err != nil {
		run.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Err: err})
		return msg, atts
	}

	msg.BodyText = parsed.BodyText
	msg.BodyHTML = parsed.BodyHTML
	msg.HasAttachments = parsed.HasAttachments
	msg.CanonicalBody = canonical.Body(parsed.BodyText, parsed.BodyHTML)
	msg.ContentHash = canonical.ContentHash(msg.CanonicalBody, msg.SenderEmail, msg.RecipientsTo, msg.RecipientsCc, msg.Subject, msg.DateSent)
	msg.RelaxedHash = canonical.RelaxedHash(msg.CanonicalBody)
	return msg, atts
}

func applyHeaders(msg *model.Message, h *archive.Parsed) {
	msg.MessageID = canonical.NormalizeMessageID(h.MessageID)
	msg.InReplyTo = canonical.NormalizeMessageID(h.InReplyTo)

	refs := make([]string, 0, len(h.References))
	for _, ref := range h.References {
		if n := canonical.NormalizeMessageID(ref); n != "" {
			refs = append(refs, n)
		}
	}
	msg.References = strings.Join(refs, " ")

	msg.Subject = h.Subject
	msg.SenderName = h.SenderName
	msg.SenderEmail = h.SenderEmail
	msg.RecipientsTo = h.To
	msg.RecipientsCc = h.Cc
	msg.RecipientsBcc = h.Bcc
	msg.DateSent = h.DateSent
}

func (p *Pipeline) recordSkip(run *runner.Runner, archiveFileID string, skip archive.Skip) {
	row := model.FolderSkip{
		ID:            uuid.NewString(),
		ArchiveFileID: archiveFileID,
		FolderPath:    skip.FolderPath,
		Reason:        skip.Reason,
	}
	if err := p.db.Create(&row).Error; err != nil {
		p.logger.Error("record folder skip", "folder", skip.FolderPath, "err", err)
	}
	run.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeFolderSkipped, Detail: skip.FolderPath})
}

func (p *Pipeline) markFailedUploads(failures []cas.UploadFailure) {
	for _, f := range failures {
		err := p.db.Model(&model.Attachment{}).
			Where("id = ?", f.OwnerID).
			Updates(map[string]any{
				"status": model.AttachmentFailed,
				"error":  f.Err.Error(),
			}).Error
		if err != nil {
			p.logger.Error("mark attachment failed", "attachment", f.OwnerID, "err", err)
		}
	}
}

// finalize writes the archive record's terminal state and shapes the Summary.
func (p *Pipeline) finalize(archiveFileID string, s stats.Summary, failedUploads int, runErr error) Summary {
	status := model.ArchiveCompleted
	errorMessage := ""
	if runErr != nil {
		status = model.ArchiveFailed
		errorMessage = runErr.Error()
	}

	now := time.Now().UTC()
	err := p.db.Model(&model.ArchiveFile{}).
		Where("id = ?", archiveFileID).
		Updates(map[string]any{
			"status":                  status,
			"total_messages":          s.Scanned,
			"processed_messages":      s.Persisted,
			"hidden_messages":         s.Hidden,
			"skipped_folders":         s.FoldersSkipped,
			"error_message":           errorMessage,
			"processing_completed_at": &now,
		}).Error
	if err != nil {
		p.logger.Error("finalize archive record", "archive", archiveFileID, "err", err)
	}

	return Summary{
		ArchiveFileID:     archiveFileID,
		Scanned:           s.Scanned,
		Persisted:         s.Persisted,
		Hidden:            s.Hidden,
		SkippedFolders:    s.FoldersSkipped,
		FailedAttachments: failedUploads,
		Errors:            s.Errors,
	}
}
