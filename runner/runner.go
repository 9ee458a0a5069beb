// Package runner coordinates pipeline stages: each stage is a goroutine tied
// to a shared context, errors latch once and cancel everything else, and a
// stats event bus fans events out to subscribers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casevault/pstcorpus/stats"
)

type StageFunc func(context.Context) error

type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan stats.Event

	subMu sync.Mutex
	subs  []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

// New builds a Runner whose lifetime is bounded by parent; cancelling parent
// cancels every stage cooperatively.
func New(parent context.Context, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan stats.Event, 128),
	}
	go r.dispatch()
	return r
}

// dispatch fans every event out to all subscribers. Each subscriber owns its
// channel, so two subscribers never compete for the same event.
func (r *Runner) dispatch() {
	for evt := range r.events {
		r.subMu.Lock()
		subs := r.subs
		r.subMu.Unlock()
		for _, ch := range subs {
			select {
			case <-r.ctx.Done():
			case ch <- evt:
			}
		}
	}
	r.subMu.Lock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.subMu.Unlock()
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent publishes a stats event; it drops nothing but yields to
// cancellation.
func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage returns, drains the event bus into the
// subscribers, and reports the first stage error. The runner context stays
// live on success: callers may still have follow-up work (pending uploads,
// finalization) running under it. Cancellation comes from the parent context
// or from the first stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// Fail latches err as the pipeline outcome and cancels all stages. The first
// error wins.
func (r *Runner) Fail(err error) {
	r.fail(err)
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
