package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAlongside_MainErrorStopsBackground(t *testing.T) {
	t.Parallel()

	errStore := errors.New("state: database is locked")

	var stopped atomic.Int32

	blockUntilDone := func(ctx context.Context) {
		<-ctx.Done()
		stopped.Add(1)
	}

	done := make(chan error, 1)

	go func() {
		// The parent context is never cancelled, as when no signal arrives.
		done <- runAlongside(context.Background(), func(context.Context) error {
			return errStore
		}, blockUntilDone, blockUntilDone)
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, errStore)
	case <-time.After(5 * time.Second):
		t.Fatal("runAlongside did not return after main failed")
	}

	assert.Equal(t, int32(2), stopped.Load())
}

func TestRunAlongside_ParentCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	var background atomic.Bool

	go cancel()

	err := runAlongside(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, func(ctx context.Context) {
		<-ctx.Done()
		background.Store(true)
	})

	require.NoError(t, err)
	assert.True(t, background.Load())
}
