package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndProcess(t *testing.T) {
	var handled atomic.Int32
	handler := func(ctx context.Context, a Action) error {
		handled.Add(1)
		return nil
	}
	mgr := NewManager(Config{QueueDepth: 8, PollInterval: time.Millisecond}, handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.True(t, mgr.Enqueue(Action{Kind: ActionPruneMVV, Tree: "t1", PageAddr: 5}))

	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)
	stats := mgr.Stats()
	require.Equal(t, uint64(1), stats.Accepted)
	require.Equal(t, uint64(1), stats.Performed)
	require.Equal(t, uint64(0), stats.Errors)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueRefusesWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, a Action) error {
		<-block
		return nil
	}
	mgr := NewManager(Config{QueueDepth: 1, PollInterval: time.Millisecond}, handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.True(t, mgr.Enqueue(Action{Kind: ActionVerifyAfterCrash, PageAddr: 1}))
	// Give the consumer a chance to pull the first action off the channel
	// and block inside handler, so the next Enqueue sees a full channel.
	require.Eventually(t, func() bool { return mgr.Enqueue(Action{Kind: ActionVerifyAfterCrash, PageAddr: 2}) == false }, time.Second, time.Millisecond)
	close(block)

	require.True(t, mgr.Stats().Refused >= 1)
}

func TestHandlerErrorIncrementsErrorCounter(t *testing.T) {
	handler := func(ctx context.Context, a Action) error {
		return context.DeadlineExceeded
	}
	mgr := NewManager(Config{QueueDepth: 4, PollInterval: time.Millisecond}, handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	defer cancel()

	mgr.Enqueue(Action{Kind: ActionRemoveAntivalueRange, PageAddr: 9})
	require.Eventually(t, func() bool { return mgr.Stats().Errors == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(0), mgr.Stats().Performed)
}
