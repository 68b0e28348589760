package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_RunsTaskAfterInitialDelay(t *testing.T) {
	m := New(discardLogger())
	var count int32
	m.AddTask(Task{
		Name:         "t",
		InitialDelay: 5 * time.Millisecond,
		Interval:     time.Hour,
		Run:          func(ctx context.Context) { atomic.AddInt32(&count, 1) },
	})

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 1 }, time.Second, time.Millisecond)
}

func TestManager_StartIsIdempotent(t *testing.T) {
	m := New(discardLogger())
	var count int32
	m.AddTask(Task{
		Name:         "t",
		InitialDelay: 5 * time.Millisecond,
		Interval:     time.Hour,
		Run:          func(ctx context.Context) { atomic.AddInt32(&count, 1) },
	})

	m.Start(context.Background())
	m.Start(context.Background()) // second call must be a no-op
	defer m.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestManager_RecoversFromPanickingTask(t *testing.T) {
	m := New(discardLogger())
	var ranAfterPanic int32
	m.AddTask(Task{
		Name:         "panics",
		InitialDelay: time.Millisecond,
		Interval:     5 * time.Millisecond,
		Run: func(ctx context.Context) {
			atomic.AddInt32(&ranAfterPanic, 1)
			panic("boom")
		},
	})

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ranAfterPanic) >= 2 }, time.Second, time.Millisecond)
}

func TestManager_StopCancelsAllTasks(t *testing.T) {
	m := New(discardLogger())
	done := make(chan struct{})
	m.AddTask(Task{
		Name:         "t",
		InitialDelay: time.Hour,
		Interval:     time.Hour,
		Run:          func(ctx context.Context) {},
	})
	m.Start(context.Background())
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
}
