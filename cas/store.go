package cas

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers    = 4
	defaultOpTimeout  = 2 * time.Minute
	defaultMaxRetries = 3
)

var retryBaseDelay = 500 * time.Millisecond

// Options configure a Store.
type Options struct {
	// ScratchDir receives spool files while blobs are hashed. It must live on
	// the volume checked by the scratch-space precondition.
	ScratchDir string
	CaseID     string
	// Workers bounds concurrent uploads.
	Workers int
	// OpTimeout bounds one upload attempt.
	OpTimeout time.Duration
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
}

// Result describes the outcome of storing one blob.
type Result struct {
	Digest    string
	Key       string
	Size      int64
	Duplicate bool
}

// UploadFailure records a blob whose upload failed after all retries. The
// owning record is marked failed; the run continues.
type UploadFailure struct {
	OwnerID string
	Digest  string
	Err     error
}

// Store deduplicates attachment blobs by content digest and uploads new ones
// on a bounded worker pool. One message's attachment is fully spooled and
// hashed synchronously; only the upload runs in the background.
type Store struct {
	blobs  BlobStore
	index  Index
	logger *slog.Logger
	opts   Options

	group *errgroup.Group

	failMu   sync.Mutex
	failures []UploadFailure
}

func NewStore(blobs BlobStore, index Index, opts Options, logger *slog.Logger) *Store {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	group := &errgroup.Group{}
	group.SetLimit(opts.Workers)

	return &Store{
		blobs:  blobs,
		index:  index,
		logger: logger,
		opts:   opts,
		group:  group,
	}
}

// Store spools r to scratch while computing its digest, then claims the
// digest in the index. A duplicate returns immediately with the existing key
// and no new stored object; a new digest schedules an upload and returns
// without waiting for it. ownerID identifies the attachment record to mark
// failed if the upload ultimately fails.
func (s *Store) Store(ctx context.Context, ownerID string, r io.Reader, meta Metadata) (Result, error) {
	spool, err := os.CreateTemp(s.opts.ScratchDir, "blob-*.spool")
	if err != nil {
		return Result{}, fmt.Errorf("create spool file: %w", err)
	}

	// One streaming pass: bytes are hashed as they land in the spool file.
	digest, size, err := Digest(io.TeeReader(r, spool))
	if err != nil {
		removeSpool(spool)
		return Result{}, fmt.Errorf("spool blob: %w", err)
	}

	key := Key(digest)
	meta.Digest = digest
	meta.CaseID = s.opts.CaseID

	existingKey, inserted, err := s.index.CheckAndInsert(digest, key)
	if err != nil {
		removeSpool(spool)
		return Result{}, fmt.Errorf("claim digest: %w", err)
	}
	if !inserted {
		removeSpool(spool)
		return Result{Digest: digest, Key: existingKey, Size: size, Duplicate: true}, nil
	}

	s.group.Go(func() error {
		defer removeSpool(spool)
		if err := s.upload(ctx, spool, key, meta); err != nil {
			s.index.Forget(digest)
			s.logger.Error("blob upload failed", "digest", digest, "owner", ownerID, "err", err)
			s.failMu.Lock()
			s.failures = append(s.failures, UploadFailure{OwnerID: ownerID, Digest: digest, Err: err})
			s.failMu.Unlock()
		}
		return nil
	})

	return Result{Digest: digest, Key: key, Size: size}, nil
}

// upload attempts the blob upload with bounded retries and exponential
// backoff, each attempt under its own timeout.
func (s *Store) upload(ctx context.Context, spool *os.File, key string, meta Metadata) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind spool: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		err := s.blobs.Put(attemptCtx, key, spool, meta)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.opts.MaxRetries+1, lastErr)
}

// Wait blocks until all scheduled uploads finish and returns the failures.
func (s *Store) Wait() []UploadFailure {
	_ = s.group.Wait()
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures
}

func removeSpool(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
