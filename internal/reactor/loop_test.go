package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := New(logger)
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(l.Stop)
	return l
}

// TestPostOrder verifies callbacks run in post order on a single goroutine.
func TestPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

// TestPostFromManyGoroutines checks concurrent posters never race on loop
// owned data.
func TestPostFromManyGoroutines(t *testing.T) {
	l := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, 400, counter)
}

// TestSchedule verifies a scheduled callback runs on the loop after the delay.
func TestSchedule(t *testing.T) {
	l := startLoop(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	_, err := l.Schedule(30*time.Millisecond, func(err error) {
		assert.NoError(t, err)
		fired <- time.Now()
	})
	require.NoError(t, err)

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

// TestScheduleStop verifies a stopped timer never runs its callback.
func TestScheduleStop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	var stopped bool
	require.NoError(t, l.Do(context.Background(), func() {
		tm, err := l.Schedule(20*time.Millisecond, func(error) { fired <- struct{}{} })
		require.NoError(t, err)
		stopped = tm.Stop()
	}))
	assert.True(t, stopped)

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestStopRejectsWork verifies Post, Do and Schedule after Stop.
func TestStopRejectsWork(t *testing.T) {
	logger, _ := test.NewNullLogger()
	l := New(logger)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.NoError(t, l.Do(context.Background(), func() {}))
	l.Stop()
	assert.NoError(t, <-done)

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
	_, err := l.Schedule(time.Millisecond, func(error) {})
	assert.ErrorIs(t, err, ErrStopped)
}

// TestHaltFromCallback verifies the loop can be stopped from its own goroutine
// and the remaining batch is dropped.
func TestHaltFromCallback(t *testing.T) {
	logger, _ := test.NewNullLogger()
	l := New(logger)
	done := make(chan error, 1)

	ran := false
	l.Post(func() { l.Halt() })
	l.Post(func() { ran = true })
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not halt")
	}
	assert.False(t, ran)
	<-l.Done()
}

// TestRunContextCancel verifies Run returns the context error.
func TestRunContextCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	l := New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// TestRunTwice verifies a loop only runs once.
func TestRunTwice(t *testing.T) {
	l := startLoop(t)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.ErrorIs(t, l.Run(context.Background()), ErrRunning)
}

// TestCancelClosesDone verifies Done is closed when Run ends through its
// context rather than Stop.
func TestCancelClosesDone(t *testing.T) {
	logger, _ := test.NewNullLogger()
	l := New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.NoError(t, l.Do(context.Background(), func() {}))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after cancellation")
	}
	assert.False(t, l.Post(func() {}))
}
