package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestIndependentOfChunking(t *testing.T) {
	payload := bytes.Repeat([]byte("forensic attachment bytes "), 4096)
	want := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(want[:])

	whole, size, err := Digest(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, wantHex, whole)
	assert.Equal(t, int64(len(payload)), size)

	// A reader that yields one byte at a time must produce the same digest.
	tiny, _, err := Digest(iotest.OneByteReader(bytes.NewReader(payload)))
	require.NoError(t, err)
	assert.Equal(t, whole, tiny)

	half, _, err := Digest(iotest.HalfReader(bytes.NewReader(payload)))
	require.NoError(t, err)
	assert.Equal(t, whole, half)
}

func TestKeyFanout(t *testing.T) {
	assert.Equal(t, "attachments/ab/abcdef", Key("abcdef"))
	assert.Equal(t, "attachments/x", Key("x"))
}

func TestMemoryIndexCheckAndInsert(t *testing.T) {
	idx := NewMemoryIndex()

	key, inserted, err := idx.CheckAndInsert("d1", "k1")
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "k1", key)

	key, inserted, err = idx.CheckAndInsert("d1", "k2")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "k1", key)

	idx.Forget("d1")
	_, inserted, err = idx.CheckAndInsert("d1", "k3")
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestMemoryIndexSingleOwner(t *testing.T) {
	idx := NewMemoryIndex()

	var wg sync.WaitGroup
	owners := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := idx.CheckAndInsert("shared", "k")
			require.NoError(t, err)
			owners <- inserted
		}()
	}
	wg.Wait()
	close(owners)

	winners := 0
	for inserted := range owners {
		if inserted {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestFileIndexPersistence(t *testing.T) {
	dir := t.TempDir()

	idx, err := NewFileIndex(dir)
	require.NoError(t, err)
	_, inserted, err := idx.CheckAndInsert("d1", "k1")
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, idx.Close())

	reopened, err := NewFileIndex(dir)
	require.NoError(t, err)
	defer reopened.Close()

	key, inserted, err := reopened.CheckAndInsert("d1", "other")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "k1", key)
	assert.Equal(t, 1, reopened.Snapshot().Known)
}

func newTestStore(t *testing.T, blobs BlobStore) *Store {
	t.Helper()
	return NewStore(blobs, NewMemoryIndex(), Options{
		ScratchDir: t.TempDir(),
		CaseID:     "case-1",
		Workers:    2,
		OpTimeout:  5 * time.Second,
		MaxRetries: 1,
	}, nil)
}

func TestStoreIdenticalBytesShareOneObject(t *testing.T) {
	blobs := NewMemoryStore()
	store := newTestStore(t, blobs)
	ctx := context.Background()

	payload := "identical attachment payload"
	first, err := store.Store(ctx, "att-1", strings.NewReader(payload), Metadata{Filename: "a.pdf"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := store.Store(ctx, "att-2", strings.NewReader(payload), Metadata{Filename: "copy-of-a.pdf"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Key, second.Key)

	failures := store.Wait()
	assert.Empty(t, failures)
	assert.Equal(t, 1, blobs.Len())

	rc, err := blobs.Open(ctx, first.Key)
	require.NoError(t, err)
	defer rc.Close()
}

func TestStoreRetriesTransientFailure(t *testing.T) {
	blobs := NewMemoryStore()
	blobs.FailPuts = 1
	store := newTestStore(t, blobs)

	res, err := store.Store(context.Background(), "att-1", strings.NewReader("payload"), Metadata{})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	failures := store.Wait()
	assert.Empty(t, failures)
	assert.Equal(t, 1, blobs.Len())
}

func TestStorePermanentFailureReported(t *testing.T) {
	blobs := NewMemoryStore()
	blobs.FailPuts = 10
	store := newTestStore(t, blobs)

	_, err := store.Store(context.Background(), "att-1", strings.NewReader("payload"), Metadata{})
	require.NoError(t, err)

	failures := store.Wait()
	require.Len(t, failures, 1)
	assert.Equal(t, "att-1", failures[0].OwnerID)
	assert.Error(t, failures[0].Err)
	assert.Equal(t, 0, blobs.Len())
}

func TestStoreManyFailuresDoNotDeadlock(t *testing.T) {
	prevDelay := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = prevDelay }()

	const uploads = 1500

	blobs := NewMemoryStore()
	blobs.FailPuts = uploads * 8
	store := NewStore(blobs, NewMemoryIndex(), Options{
		ScratchDir: t.TempDir(),
		CaseID:     "case-1",
		Workers:    16,
		OpTimeout:  time.Second,
		MaxRetries: 1,
	}, nil)

	ctx := context.Background()
	for i := 0; i < uploads; i++ {
		payload := "distinct payload " + strconv.Itoa(i)
		_, err := store.Store(ctx, "att-"+strconv.Itoa(i), strings.NewReader(payload), Metadata{})
		require.NoError(t, err)
	}

	// Every upload must come back as a recorded failure; a run where storage
	// is down marks records failed instead of hanging.
	failures := store.Wait()
	assert.Len(t, failures, uploads)
	assert.Equal(t, 0, blobs.Len())
}
