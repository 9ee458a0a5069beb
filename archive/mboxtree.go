package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
)

// MboxTree is a Container over a directory tree of mbox files, the layout
// produced by read-only PST export tools (one .mbox per mail folder, nested
// directories mirroring the folder hierarchy).
type MboxTree struct {
	root   string
	logger *slog.Logger
}

// NewMboxTree validates that root exists and is a directory.
func NewMboxTree(root string, logger *slog.Logger) (*MboxTree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrContainerUnreadable, root)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MboxTree{root: root, logger: logger}, nil
}

// Size sums the sizes of all mbox files in the tree.
func (t *MboxTree) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && isMbox(path) {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
	}
	return total, nil
}

// Stream walks the tree with an explicit stack, never recursion, so archives
// with pathological folder depth cannot exhaust the goroutine stack. Directory
// entries are visited in sorted order to keep the sequence numbers stable.
func (t *MboxTree) Stream(ctx context.Context, out chan<- Envelope) ([]Skip, error) {
	var skips []Skip
	var seq int64

	stack := []string{t.root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return skips, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == t.root {
				return skips, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
			}
			skips = append(skips, Skip{FolderPath: t.relPath(dir), Reason: err.Error()})
			t.logger.Warn("skipping unreadable folder", "folder", t.relPath(dir), "err", err)
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		// Push subdirectories in reverse so they pop in sorted order.
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].IsDir() {
				stack = append(stack, filepath.Join(dir, entries[i].Name()))
			}
		}

		for _, entry := range entries {
			if entry.IsDir() || !isMbox(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			n, err := t.streamFolder(ctx, path, &seq, out)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return skips, err
				}
				skips = append(skips, Skip{FolderPath: t.folderPath(path), Reason: err.Error()})
				t.logger.Warn("skipping unreadable folder", "folder", t.folderPath(path), "err", err, "messagesRead", n)
			}
		}
	}
	return skips, nil
}

// streamFolder reads one mbox file message by message. Corrupt individual
// messages are surfaced as error envelopes; a corrupt file-level structure
// aborts the folder and is returned for the skip record.
func (t *MboxTree) streamFolder(ctx context.Context, path string, seq *int64, out chan<- Envelope) (int, error) {
	folder := t.folderPath(path)

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("after message %d: %w", count, err)
		}

		raw, err := io.ReadAll(msgReader)
		env := Envelope{FolderPath: folder, Seq: *seq}
		*seq++
		if err != nil {
			env.Err = fmt.Errorf("read message %d: %w", count, err)
		} else {
			env.Raw = raw
		}
		count++

		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case out <- env:
		}
	}
}

// folderPath maps an mbox file path to its logical mail-folder path, relative
// to the root and without the extension.
func (t *MboxTree) folderPath(path string) string {
	rel := t.relPath(path)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return filepath.ToSlash(rel)
}

func (t *MboxTree) relPath(path string) string {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func isMbox(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".mbox")
}
