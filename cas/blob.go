package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrBlobNotFound is returned by Open for keys with no stored object.
var ErrBlobNotFound = errors.New("blob not found")

// Metadata is attached to each stored blob for provenance.
type Metadata struct {
	Digest      string
	Filename    string
	ContentType string
	CaseID      string
}

// BlobStore writes and reads immutable blobs by storage key. Put with a key
// that already exists must not corrupt the existing object.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, meta Metadata) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// GridFSStore keeps blobs in a Mongo GridFS bucket, one file per storage key.
type GridFSStore struct {
	bucket *gridfs.Bucket
}

func NewGridFSStore(db *mongo.Database, bucketName string) (*GridFSStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("create gridfs bucket: %w", err)
	}
	return &GridFSStore{bucket: bucket}, nil
}

func (s *GridFSStore) Put(ctx context.Context, key string, r io.Reader, meta Metadata) error {
	metadata := bson.M{
		"digest":       meta.Digest,
		"filename":     meta.Filename,
		"content_type": meta.ContentType,
		"case_id":      meta.CaseID,
		"stored_at":    time.Now().UTC(),
	}

	opts := options.GridFSUpload().SetMetadata(metadata)
	stream, err := s.bucket.OpenUploadStream(key, opts)
	if err != nil {
		return fmt.Errorf("open upload stream: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = stream.SetWriteDeadline(deadline)
	}

	if _, err := io.Copy(stream, r); err != nil {
		_ = stream.Abort()
		return fmt.Errorf("upload blob: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	return nil
}

func (s *GridFSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(key)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("open download stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	return stream, nil
}

// MemoryStore is the in-process BlobStore used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	metas map[string]Metadata

	// FailPuts makes the next n Put calls fail, for retry tests.
	FailPuts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		metas: make(map[string]Metadata),
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		return errors.New("simulated storage failure")
	}
	if _, exists := s.blobs[key]; exists {
		return nil
	}
	s.blobs[key] = data
	s.metas[key] = meta
	return nil
}

func (s *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.blobs[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len reports how many distinct objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
