package runner

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/pstcorpus/stats"
)

func TestEventsFanOutToEverySubscriber(t *testing.T) {
	run := New(context.Background(), slog.Default())

	counts := make([]int, 2)
	for i := range counts {
		i := i
		run.SubscribeStats("sub", func(ctx context.Context, events <-chan stats.Event) error {
			for range events {
				counts[i]++
			}
			return nil
		})
	}

	run.AddStage("emit", func(ctx context.Context) error {
		for range 10 {
			run.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeScanned})
		}
		return nil
	})

	require.NoError(t, run.Start())
	assert.Equal(t, 10, counts[0])
	assert.Equal(t, 10, counts[1])
}

func TestStartLeavesContextLiveOnSuccess(t *testing.T) {
	run := New(context.Background(), slog.Default())
	run.AddStage("noop", func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, run.Start())

	// Background work started under the runner context, such as uploads
	// scheduled by a stage, must be able to finish after Start returns.
	assert.NoError(t, run.Context().Err())
}

func TestFirstStageErrorWinsAndCancels(t *testing.T) {
	run := New(context.Background(), slog.Default())
	boom := errors.New("boom")

	run.AddStage("failing", func(ctx context.Context) error {
		return boom
	})
	run.AddStage("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := run.Start()
	require.ErrorIs(t, err, boom)
}
