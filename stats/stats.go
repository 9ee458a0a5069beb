package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageArchive  Stage = "archive"
	StageClassify Stage = "classify"
	StagePersist  Stage = "persist"
	StageBlob     Stage = "blob"
	StageDedupe   Stage = "dedupe"
)

type EventType string

const (
	EventTypeScanned       EventType = "scanned"
	EventTypeHidden        EventType = "hidden"
	EventTypePersisted     EventType = "persisted"
	EventTypeBlobStored    EventType = "blob_stored"
	EventTypeBlobDuplicate EventType = "blob_duplicate"
	EventTypeFolderSkipped EventType = "folder_skipped"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Scanned        int
	Hidden         int
	Persisted      int
	BlobsStored    int
	BlobsDeduped   int
	FoldersSkipped int
	Duplicates     int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"hidden", s.Hidden,
		"persisted", s.Persisted,
		"blobsStored", s.BlobsStored,
		"blobsDeduped", s.BlobsDeduped,
		"foldersSkipped", s.FoldersSkipped,
		"duplicates", s.Duplicates,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeHidden:
		c.summary.Hidden++
	case EventTypePersisted:
		c.summary.Persisted++
	case EventTypeBlobStored:
		c.summary.BlobsStored++
	case EventTypeBlobDuplicate:
		c.summary.BlobsDeduped++
	case EventTypeFolderSkipped:
		c.summary.FoldersSkipped++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
