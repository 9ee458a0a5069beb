package cas

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Index tracks which digests already have a stored object. CheckAndInsert is
// the single atomic step that decides ownership: exactly one caller per digest
// sees inserted=true and is responsible for the upload.
type Index interface {
	// CheckAndInsert claims digest for key. When the digest is already known
	// it returns the existing key and inserted=false.
	CheckAndInsert(digest, key string) (existingKey string, inserted bool, err error)

	// Forget releases a claim after a failed upload so a later attempt can
	// claim the digest again.
	Forget(digest string)

	Snapshot() Snapshot
}

// Snapshot is a point-in-time view of the index size.
type Snapshot struct {
	Known int
}

// MemoryIndex is the in-process Index used directly in tests and embedded by
// FileIndex.
type MemoryIndex struct {
	mu    sync.Mutex
	known map[string]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{known: make(map[string]string)}
}

// Seed preloads a digest/key pair, used to warm the index from previously
// persisted attachment rows.
func (m *MemoryIndex) Seed(digest, key string) {
	if digest == "" {
		return
	}
	m.mu.Lock()
	m.known[digest] = key
	m.mu.Unlock()
}

func (m *MemoryIndex) CheckAndInsert(digest, key string) (string, bool, error) {
	if digest == "" {
		return "", false, errors.New("empty digest")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.known[digest]; ok {
		return existing, false, nil
	}
	m.known[digest] = key
	return key, true, nil
}

func (m *MemoryIndex) Forget(digest string) {
	m.mu.Lock()
	delete(m.known, digest)
	m.mu.Unlock()
}

func (m *MemoryIndex) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Known: len(m.known)}
}

// FileIndex persists claims as JSONL so an interrupted run does not re-upload
// blobs it already stored.
type FileIndex struct {
	*MemoryIndex
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeMu sync.Mutex
}

type indexRecord struct {
	Digest string `json:"digest"`
	Key    string `json:"key"`
}

func NewFileIndex(stateDir string) (*FileIndex, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	idx := &FileIndex{
		MemoryIndex: NewMemoryIndex(),
		path:        filepath.Join(stateDir, "blobs.jsonl"),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(idx.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open index file for append: %w", err)
	}
	idx.file = file
	idx.writer = bufio.NewWriterSize(file, 64*1024)
	return idx, nil
}

func (f *FileIndex) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var record indexRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse index line %d: %w", line, err)
		}
		if record.Digest == "" {
			continue
		}
		f.Seed(record.Digest, record.Key)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read index file: %w", err)
	}
	return nil
}

func (f *FileIndex) CheckAndInsert(digest, key string) (string, bool, error) {
	existing, inserted, err := f.MemoryIndex.CheckAndInsert(digest, key)
	if err != nil || !inserted {
		return existing, inserted, err
	}

	record := indexRecord{Digest: digest, Key: key}
	data, err := json.Marshal(record)
	if err != nil {
		return "", false, fmt.Errorf("encode index record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.writer.Write(data); err != nil {
		return "", false, fmt.Errorf("write index record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return "", false, fmt.Errorf("write newline: %w", err)
	}
	return existing, true, nil
}

// Flush writes buffered records to disk.
func (f *FileIndex) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync index file: %w", err)
	}
	return nil
}

// Close flushes and closes the backing file.
func (f *FileIndex) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush index file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync index file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close index file: %w", err)
	}
	return firstErr
}
