package opscenario

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func TestDefaultScheduler_RunOnce(t *testing.T) {
	var calls atomic.Int32
	scheduler := NewDefaultScheduler(10*time.Millisecond, true, testLogger())
	scheduler.RegisterCallback(func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, scheduler.Start(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "run-once mode must not schedule further runs")
	assert.True(t, scheduler.Stopped())
}

func TestDefaultScheduler_Periodic(t *testing.T) {
	callChan := make(chan struct{}, 10)
	const expectedCalls = 4

	scheduler := NewDefaultScheduler(10*time.Millisecond, false, testLogger())
	scheduler.RegisterCallback(func(context.Context) error {
		callChan <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, scheduler.Start(ctx))
	assert.False(t, scheduler.Stopped())

	for i := 0; i < expectedCalls; i++ {
		select {
		case <-callChan:
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for callback execution %d/%d", i+1, expectedCalls)
		}
	}

	require.NoError(t, scheduler.Stop())
	require.NoError(t, scheduler.WaitForShutdown(ctx))

	// Drain a run that may have started before Stop, then expect silence.
	for len(callChan) > 0 {
		<-callChan
	}
	select {
	case <-callChan:
		t.Fatal("Expected no more calls after stopping")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, scheduler.Stopped())
}

func TestDefaultScheduler_CallbackError(t *testing.T) {
	expectedError := errors.New("test callback error")

	t.Run("run once returns the error", func(t *testing.T) {
		scheduler := NewDefaultScheduler(time.Second, true, testLogger())
		scheduler.RegisterCallback(func(context.Context) error { return expectedError })
		assert.ErrorIs(t, scheduler.Start(context.Background()), expectedError)
	})

	t.Run("first periodic run returns the error", func(t *testing.T) {
		scheduler := NewDefaultScheduler(time.Second, false, testLogger())
		scheduler.RegisterCallback(func(context.Context) error { return expectedError })
		assert.ErrorIs(t, scheduler.Start(context.Background()), expectedError)
		assert.True(t, scheduler.Stopped())
	})

	t.Run("later periodic runs only log", func(t *testing.T) {
		var calls atomic.Int32
		scheduler := NewDefaultScheduler(5*time.Millisecond, false, testLogger())
		scheduler.RegisterCallback(func(context.Context) error {
			if calls.Add(1) > 1 {
				return expectedError
			}
			return nil
		})
		require.NoError(t, scheduler.Start(context.Background()))
		require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		require.NoError(t, scheduler.Stop())
		require.NoError(t, scheduler.WaitForShutdown(context.Background()))
	})
}

func TestDefaultScheduler_NoCallback(t *testing.T) {
	scheduler := NewDefaultScheduler(time.Second, true, testLogger())
	err := scheduler.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback must be registered")
}

func TestDefaultScheduler_StartTwice(t *testing.T) {
	scheduler := NewDefaultScheduler(time.Hour, false, testLogger())
	scheduler.RegisterCallback(func(context.Context) error { return nil })
	require.NoError(t, scheduler.Start(context.Background()))
	defer func() {
		_ = scheduler.Stop()
		_ = scheduler.WaitForShutdown(context.Background())
	}()

	err := scheduler.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestDefaultScheduler_StopIsIdempotent(t *testing.T) {
	scheduler := NewDefaultScheduler(time.Second, true, testLogger())
	scheduler.RegisterCallback(func(context.Context) error { return nil })
	assert.NoError(t, scheduler.Stop())
	assert.NoError(t, scheduler.Stop())
}

func TestDefaultScheduler_ContextCancelStopsLoop(t *testing.T) {
	scheduler := NewDefaultScheduler(time.Hour, false, testLogger())
	scheduler.RegisterCallback(func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Start(ctx))
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, scheduler.WaitForShutdown(waitCtx))
	assert.True(t, scheduler.Stopped())
}
