package gesture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/firestbreak/pkg/profile"
)

type call struct {
	kind profile.GestureKind
	on   bool
}

type fakeSetter struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeSetter) SetGesture(kind profile.GestureKind, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind, on})
	return f.err
}

func (f *fakeSetter) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// waitCalls waits for n setter calls; mock timers run their callbacks on
// a separate goroutine.
func waitCalls(t *testing.T, f *fakeSetter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.snapshot()) == n }, time.Second, 5*time.Millisecond)
}

func newTestMapper() (*Mapper, *fakeSetter, *clock.Mock) {
	mock := clock.NewMock()
	target := &fakeSetter{}
	return NewMapper(target, 5*time.Second, WithClock(mock)), target, mock
}

func TestAssertAutoClears(t *testing.T) {
	m, target, mock := newTestMapper()

	require.NoError(t, m.Handle(Event{Kind: profile.GestureThumbsUp, Asserted: true}))
	require.True(t, m.Active(profile.GestureThumbsUp))
	require.Equal(t, []call{{profile.GestureThumbsUp, true}}, target.snapshot())

	mock.Add(4 * time.Second)
	require.Len(t, target.snapshot(), 1)

	mock.Add(time.Second)
	require.False(t, m.Active(profile.GestureThumbsUp))
	waitCalls(t, target, 2)
	require.Equal(t, []call{
		{profile.GestureThumbsUp, true},
		{profile.GestureThumbsUp, false},
	}, target.snapshot())
}

func TestReassertRestartsCountdown(t *testing.T) {
	m, target, mock := newTestMapper()

	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))
	mock.Add(3 * time.Second)
	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))

	mock.Add(3 * time.Second)
	require.Len(t, target.snapshot(), 2, "first timer was superseded")

	mock.Add(2 * time.Second)
	waitCalls(t, target, 3)
	calls := target.snapshot()
	require.Equal(t, call{profile.GestureHeart, false}, calls[2])
}

func TestExplicitClearCancelsTimer(t *testing.T) {
	m, target, mock := newTestMapper()

	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))
	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: false}))
	mock.Add(10 * time.Second)

	require.Equal(t, []call{
		{profile.GestureHeart, true},
		{profile.GestureHeart, false},
	}, target.snapshot())
}

func TestFlagsAreIndependent(t *testing.T) {
	m, target, mock := newTestMapper()

	require.NoError(t, m.Handle(Event{Kind: profile.GestureThumbsUp, Asserted: true}))
	mock.Add(2 * time.Second)
	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))
	mock.Add(3 * time.Second)
	waitCalls(t, target, 3)

	require.False(t, m.Active(profile.GestureThumbsUp))
	require.True(t, m.Active(profile.GestureHeart))
	require.Contains(t, target.snapshot(), call{profile.GestureThumbsUp, false})
	require.NotContains(t, target.snapshot(), call{profile.GestureHeart, false})
}

func TestUnknownGesture(t *testing.T) {
	m, target, _ := newTestMapper()

	require.Error(t, m.Handle(Event{Kind: "wave", Asserted: true}))
	require.Empty(t, target.snapshot())
}

func TestSetterErrorReturned(t *testing.T) {
	m, target, _ := newTestMapper()
	target.err = errors.New("closed")

	require.Error(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))
}

func TestStopCancelsPendingClears(t *testing.T) {
	m, target, mock := newTestMapper()

	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))
	m.Stop()
	mock.Add(10 * time.Second)

	require.Len(t, target.snapshot(), 1)
	require.NoError(t, m.Handle(Event{Kind: profile.GestureHeart, Asserted: true}))
	require.Len(t, target.snapshot(), 1, "stopped mapper ignores events")
}

func TestRunConsumesEvents(t *testing.T) {
	m, target, _ := newTestMapper()
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), events)
		close(done)
	}()

	events <- Event{Kind: profile.GestureHeart, Asserted: true}
	events <- Event{Kind: "wave", Asserted: true}
	events <- Event{Kind: profile.GestureHeart, Asserted: false}
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	require.Equal(t, []call{
		{profile.GestureHeart, true},
		{profile.GestureHeart, false},
	}, target.snapshot())
	require.False(t, m.Active(profile.GestureHeart))
}

func TestRunStopsOnCancel(t *testing.T) {
	m, target, _ := newTestMapper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, make(chan Event))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Empty(t, target.snapshot())
}
