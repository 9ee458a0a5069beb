package progress

import (
	"context"
	"sync"

	"github.com/pterm/pterm"

	"github.com/casevault/pstcorpus/stats"
)

// Bar renders a progress bar over ingestion events. It is only enabled when a
// message pre-count was taken and the log level leaves the terminal free.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates the bar. total <= 0 (no pre-count) disables it.
func New(total int, logLevel string) *Bar {
	enabled := total > 0 && logLevel == "info"

	bar := &Bar{total: total, enabled: enabled}
	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Ingesting messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Messages in archive: %d\n", total)
		pterm.Println()
	}
	return bar
}

// Update advances the bar on scanned messages and surfaces errors above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Ingesting: " + displayID)
		}
	case stats.EventTypeFolderSkipped:
		pterm.Warning.Printf("Skipped folder: %s\n", evt.Detail)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Reporter drives the bar and a stats collector from one subscription.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
}

func NewReporter(stream stats.EventStream, bar *Bar) *Reporter {
	r := &Reporter{bar: bar, collector: stats.NewCollector()}
	stream.SubscribeStats("progress", r.consume)
	return r
}

func (r *Reporter) consume(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			r.bar.Update(evt)
			r.collector.Apply(evt)
		}
	}
}

func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}
