// Package archive reads exported mail-archive containers. The source tree is
// opened read-only; traversal is iterative and lazy, one message in memory at
// a time, and unreadable folders are skipped and recorded rather than aborting
// the run.
package archive

import (
	"context"
	"errors"
)

var (
	// ErrScratchSpace is the fatal precondition failure raised before any work
	// starts when the scratch volume cannot hold the extraction working set.
	ErrScratchSpace = errors.New("insufficient scratch space for archive extraction")

	// ErrContainerUnreadable means the archive root itself cannot be opened.
	ErrContainerUnreadable = errors.New("archive container unreadable")
)

// Envelope carries one raw message out of the container, or a per-item error.
// A non-nil Err never stops the stream; the consumer decides what to record.
type Envelope struct {
	FolderPath string
	// Seq is the position in traversal order, stable across re-runs of the
	// same container.
	Seq int64
	Raw []byte
	Err error
}

// Skip records a folder the traversal could not read.
type Skip struct {
	FolderPath string
	Reason     string
}

// CountMessages runs a full pass over the container just to count messages,
// for progress reporting. Costs one extra read of the archive.
func CountMessages(ctx context.Context, c Container) (int, error) {
	out := make(chan Envelope, 64)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Stream(ctx, out)
		close(out)
		errc <- err
	}()

	count := 0
	for range out {
		count++
	}
	if err := <-errc; err != nil {
		return 0, err
	}
	return count, nil
}

// Container is a read-only mail archive. Implementations stream messages in a
// deterministic order and report folders they had to skip.
type Container interface {
	// Size reports the total archive size in bytes, for the scratch-space
	// precondition.
	Size() (int64, error)

	// Stream walks every folder and sends each message on out. It returns the
	// folders skipped due to per-folder errors. Only container-level failures
	// (unreadable root, cancelled context) are returned as an error.
	Stream(ctx context.Context, out chan<- Envelope) ([]Skip, error)
}
