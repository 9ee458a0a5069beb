package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/archive"
	"github.com/casevault/pstcorpus/cas"
	"github.com/casevault/pstcorpus/database"
	"github.com/casevault/pstcorpus/model"
	"github.com/casevault/pstcorpus/runner"
)

const attachmentBody = "JVBERi0xLjQ=" // base64 for "%PDF-1.4"

func message(id, subject, date, body string, extraHeaders ...string) string {
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + id + ">\r\n" +
		"Date: " + date + "\r\n"
	for _, h := range extraHeaders {
		raw += h + "\r\n"
	}
	raw += "\r\n" + body + "\r\n"
	return raw
}

func messageWithAttachment(id, subject, date, filename string) string {
	return "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + id + ">\r\n" +
		"Date: " + date + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"B\"\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"See attached.\r\n" +
		"--B\r\n" +
		"Content-Type: application/pdf; name=\"" + filename + "\"\r\n" +
		"Content-Disposition: attachment; filename=\"" + filename + "\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		attachmentBody + "\r\n" +
		"--B--\r\n"
}

func writeMbox(t *testing.T, path string, messages ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := mboxlib.NewWriter(f)
	for _, raw := range messages {
		mw, err := w.CreateMessage("sender@example.com", time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		_, err = mw.Write([]byte(raw))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

type fixture struct {
	db    *gorm.DB
	blobs *cas.MemoryStore
	sum   Summary
}

func ingestTree(t *testing.T, root string) fixture {
	t.Helper()

	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	container, err := archive.NewMboxTree(root, nil)
	require.NoError(t, err)

	blobs := cas.NewMemoryStore()
	store := cas.NewStore(blobs, cas.NewMemoryIndex(), cas.Options{
		ScratchDir: t.TempDir(),
		CaseID:     "c1",
		Workers:    2,
		OpTimeout:  5 * time.Second,
		MaxRetries: 1,
	}, nil)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pipeline := New(db, container, store, Options{
		CaseID:      "c1",
		ArchivePath: root,
		ScratchDir:  t.TempDir(),
		BatchSize:   2,
	}, logger)

	run := runner.New(context.Background(), logger)
	summary, err := pipeline.Run(context.Background(), run)
	require.NoError(t, err)
	return fixture{db: db, blobs: blobs, sum: summary}
}

func TestRunFullArchive(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "Inbox.mbox"),
		message("m1@x", "Welbourne drainage query", "Mon, 08 Jan 2024 09:00:00 +0000", "Please review the drainage design."),
		message("m2@x", "Re: Welbourne drainage query", "Mon, 08 Jan 2024 10:00:00 +0000", "Looks fine to me.", "In-Reply-To: <m1@x>"),
		message("m3@x", "Webinar: build better basements", "Mon, 08 Jan 2024 11:00:00 +0000", "Register now!"),
		message("m6@x", "Canons Park site visit", "Mon, 08 Jan 2024 12:00:00 +0000", "Notes from the visit."),
	)
	writeMbox(t, filepath.Join(root, "Sent", "2024.mbox"),
		messageWithAttachment("m4@x", "Design report", "Tue, 09 Jan 2024 09:00:00 +0000", "report.pdf"),
		messageWithAttachment("m5@x", "Design report resend", "Tue, 09 Jan 2024 10:00:00 +0000", "report-copy.pdf"),
	)

	fx := ingestTree(t, root)

	assert.Equal(t, 6, fx.sum.Scanned)
	assert.Equal(t, 6, fx.sum.Persisted)
	assert.Equal(t, 2, fx.sum.Hidden)
	assert.Equal(t, 0, fx.sum.SkippedFolders)
	assert.Equal(t, 0, fx.sum.FailedAttachments)

	var messages []model.Message
	require.NoError(t, fx.db.Order("ingest_seq").Find(&messages).Error)
	require.Len(t, messages, 6)

	// The marketing message is hidden with threading metadata only.
	var hidden model.Message
	require.NoError(t, fx.db.First(&hidden, "message_id = ?", "m3@x").Error)
	assert.True(t, hidden.IsHidden)
	assert.Equal(t, model.StatusSpam, hidden.Status)
	assert.Equal(t, "marketing", hidden.ClassifyCategory)
	assert.Empty(t, hidden.CanonicalBody)
	assert.Empty(t, hidden.ContentHash)

	// An unrelated-project message is excluded and stamped with the project.
	var excluded model.Message
	require.NoError(t, fx.db.First(&excluded, "message_id = ?", "m6@x").Error)
	assert.True(t, excluded.IsHidden)
	assert.Equal(t, model.StatusOtherProject, excluded.Status)
	assert.Equal(t, "Canons Park", excluded.OtherProject)

	// Visible messages carry canonical forms and hashes.
	var visible model.Message
	require.NoError(t, fx.db.First(&visible, "message_id = ?", "m1@x").Error)
	assert.False(t, visible.IsHidden)
	assert.Equal(t, "Please review the drainage design.", visible.CanonicalBody)
	assert.Len(t, visible.ContentHash, 64)
	assert.Len(t, visible.RelaxedHash, 64)
	assert.Equal(t, "Inbox", visible.FolderPath)

	// Threading ran: the reply shares the root's thread.
	var reply model.Message
	require.NoError(t, fx.db.First(&reply, "message_id = ?", "m2@x").Error)
	assert.Equal(t, "m1@x", reply.ThreadID)
	assert.Equal(t, "m1@x", visible.ThreadID)

	// Identical attachment bytes under two names share one stored object.
	var atts []model.Attachment
	require.NoError(t, fx.db.Find(&atts).Error)
	require.Len(t, atts, 2)
	assert.Equal(t, atts[0].Digest, atts[1].Digest)
	assert.Equal(t, atts[0].StorageKey, atts[1].StorageKey)
	assert.Equal(t, 1, fx.blobs.Len())

	dupCount := 0
	for _, a := range atts {
		assert.Equal(t, model.AttachmentStored, a.Status)
		if a.IsDuplicate {
			dupCount++
		}
	}
	assert.Equal(t, 1, dupCount)

	// Archive record reached its terminal state with honest counters.
	var af model.ArchiveFile
	require.NoError(t, fx.db.First(&af, "id = ?", fx.sum.ArchiveFileID).Error)
	assert.Equal(t, model.ArchiveCompleted, af.Status)
	assert.Equal(t, 6, af.TotalMessages)
	assert.Equal(t, 2, af.HiddenMessages)
	assert.NotNil(t, af.ProcessingCompletedAt)
}

// slowStore delays every Put so uploads are still in flight when message
// scanning finishes.
type slowStore struct {
	*cas.MemoryStore
	delay time.Duration
}

func (s *slowStore) Put(ctx context.Context, key string, r io.Reader, meta cas.Metadata) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
	}
	return s.MemoryStore.Put(ctx, key, r, meta)
}

func TestRunWaitsForInFlightUploads(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "Inbox.mbox"),
		messageWithAttachment("m1@x", "Design report", "Mon, 08 Jan 2024 09:00:00 +0000", "report.pdf"))

	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	container, err := archive.NewMboxTree(root, nil)
	require.NoError(t, err)

	blobs := &slowStore{MemoryStore: cas.NewMemoryStore(), delay: 400 * time.Millisecond}
	store := cas.NewStore(blobs, cas.NewMemoryIndex(), cas.Options{
		ScratchDir: t.TempDir(),
		CaseID:     "c1",
		Workers:    2,
		OpTimeout:  5 * time.Second,
		MaxRetries: 1,
	}, nil)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pipeline := New(db, container, store, Options{
		CaseID:      "c1",
		ArchivePath: root,
		ScratchDir:  t.TempDir(),
	}, logger)

	run := runner.New(context.Background(), logger)
	summary, err := pipeline.Run(context.Background(), run)
	require.NoError(t, err)

	// The run is not done until the upload pool drains; a slow upload must
	// complete and be stored, never cancelled and marked failed.
	assert.Equal(t, 0, summary.FailedAttachments)
	assert.Equal(t, 1, blobs.Len())

	var att model.Attachment
	require.NoError(t, db.First(&att).Error)
	assert.Equal(t, model.AttachmentStored, att.Status)
	assert.Empty(t, att.Error)
}

func TestRunIngestSequenceStable(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "A.mbox"),
		message("a1@x", "first", "Mon, 08 Jan 2024 09:00:00 +0000", "one"))
	writeMbox(t, filepath.Join(root, "B.mbox"),
		message("b1@x", "second", "Mon, 08 Jan 2024 09:00:00 +0000", "two"))

	fx := ingestTree(t, root)
	require.Equal(t, 2, fx.sum.Persisted)

	var messages []model.Message
	require.NoError(t, fx.db.Order("ingest_seq").Find(&messages).Error)
	assert.Equal(t, "a1@x", messages[0].MessageID)
	assert.Equal(t, int64(0), messages[0].IngestSeq)
	assert.Equal(t, "b1@x", messages[1].MessageID)
	assert.Equal(t, int64(1), messages[1].IngestSeq)
}

func TestRunScratchPreconditionFatal(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "Inbox.mbox"),
		message("m1@x", "hello", "Mon, 08 Jan 2024 09:00:00 +0000", "body"))

	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	container, err := archive.NewMboxTree(root, nil)
	require.NoError(t, err)

	pipeline := New(db, container, nil, Options{
		CaseID:     "c1",
		ScratchDir: filepath.Join(t.TempDir(), "missing"),
	}, nil)

	run := runner.New(context.Background(), slog.Default())
	_, err = pipeline.Run(context.Background(), run)
	require.ErrorIs(t, err, archive.ErrScratchSpace)

	// Fatal before any write: no archive record exists.
	var count int64
	require.NoError(t, db.Model(&model.ArchiveFile{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
