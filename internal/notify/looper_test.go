package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooper_FIFO(t *testing.T) {
	l := NewLooper()
	var got []int
	for i := 1; i <= 3; i++ {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	assert.Equal(t, 3, l.Len())

	assert.Equal(t, 3, l.RunPending())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, l.Len())
}

func TestLooper_RunPendingIncludesNestedPosts(t *testing.T) {
	l := NewLooper()
	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})

	assert.Equal(t, 2, l.RunPending())
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestLooper_QuitDropsMessages(t *testing.T) {
	l := NewLooper()
	ran := false
	l.Post(func() { ran = true })

	l.Quit()
	l.Quit()

	assert.False(t, l.Running())
	assert.False(t, l.Post(func() {}))
	assert.Equal(t, 0, l.RunPending())
	assert.False(t, ran)

	select {
	case <-l.Done():
	default:
		t.Fatal("Done should be closed after Quit")
	}
}

func TestLooper_RunStopsOnContext(t *testing.T) {
	l := NewLooper()
	ctx, cancel := context.WithCancel(context.Background())
	done := l.Start(ctx, nil)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLooper_Do(t *testing.T) {
	l := NewLooper()
	done := l.Start(context.Background(), nil)
	defer func() {
		l.Quit()
		assert.NoError(t, <-done)
	}()

	var inner error
	err := l.Do(func() error {
		// Inline when already on the looper goroutine.
		inner = l.Do(func() error { return errors.New("inline") })
		return nil
	})
	require.NoError(t, err)
	assert.EqualError(t, inner, "inline")

	sentinel := errors.New("boom")
	assert.ErrorIs(t, l.Do(func() error { return sentinel }), sentinel)
}

func TestLooper_DoAfterQuit(t *testing.T) {
	l := NewLooper()
	l.Quit()
	assert.ErrorIs(t, l.Do(func() error { return nil }), ErrLooperQuit)
}

func TestLooper_StartRunsInitOnLooperGoroutine(t *testing.T) {
	l := NewLooper()
	initialized := make(chan struct{})
	done := l.Start(context.Background(), func() { close(initialized) })

	<-initialized
	var ran bool
	require.NoError(t, l.Do(func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	l.Quit()
	assert.NoError(t, <-done)
}
