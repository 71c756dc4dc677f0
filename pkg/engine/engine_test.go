package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/limedotxyz/limescan/pkg/clock"
	"github.com/limedotxyz/limescan/pkg/feed"
	"github.com/limedotxyz/limescan/pkg/store"
)

var epoch = time.Unix(1_700_000_000, 0)

func message(id string, age time.Duration) feed.Message {
	return feed.Message{
		ID:          id,
		AuthorName:  "alice",
		AuthorTag:   "ab12",
		Content:     "hi " + id,
		ContentType: feed.ContentText,
		Timestamp:   clock.Unix(epoch.Add(-age)),
		TTL:         feed.DefaultTTL,
	}
}

type harness struct {
	clk     *clock.Virtual
	eng     *Engine
	updates chan Update
	cancel  context.CancelFunc
	errc    chan error
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.NewVirtual(epoch),
		updates: make(chan Update, 64),
		errc:    make(chan error, 1),
	}
	h.eng = New(store.New(), h.clk, nil, nil)
	sub := h.eng.subscribe(h.updates)
	t.Cleanup(sub.Unsubscribe)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.errc
	})

	// the sweeper timer is armed once Run is up
	h.clk.WaitForTimers(1)
	return h
}

func (h *harness) next(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-h.updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func (h *harness) deliver(t *testing.T, ev feed.Event) Update {
	t.Helper()
	require.NoError(t, h.eng.Deliver(ev))
	return h.next(t)
}

func TestEventsApplyInOrder(t *testing.T) {
	h := start(t)
	peers := 3

	u := h.deliver(t, feed.Snapshot{PeersOnline: &peers, Messages: []feed.Message{message("a", 0)}})
	require.Equal(t, feed.TypeSnapshot, u.Kind)
	require.True(t, u.Changed)

	u = h.deliver(t, feed.MessageEvent{Message: message("b", 0)})
	require.Equal(t, feed.TypeMessage, u.Kind)
	require.True(t, u.Changed)

	u = h.deliver(t, feed.MessageEvent{Message: message("b", 0)})
	require.False(t, u.Changed, "duplicate delivery must not change the store")

	st := h.eng.Store().Snapshot()
	require.Len(t, st.Messages, 2)
	require.Equal(t, "a", st.Messages[0].ID)
	require.Equal(t, 3, st.Stats.PeersOnline)
	require.True(t, u.At.Equal(epoch))
}

func TestDisconnectSuppressedUntilConnect(t *testing.T) {
	h := start(t)
	drop := errors.New("eof")

	require.True(t, h.deliver(t, feed.Disconnected{URL: "ws://r", Err: drop}).Changed)
	require.False(t, h.deliver(t, feed.Disconnected{URL: "ws://r", Err: drop}).Changed)
	require.True(t, h.deliver(t, feed.Connected{URL: "ws://r"}).Changed)
	require.True(t, h.deliver(t, feed.Disconnected{URL: "ws://r", Err: drop}).Changed)
}

func TestSweeperRemovesExpired(t *testing.T) {
	h := start(t)

	// expires 2s after epoch
	h.deliver(t, feed.MessageEvent{Message: message("short", (feed.DefaultTTL-2)*time.Second)})
	h.deliver(t, feed.MessageEvent{Message: message("long", 0)})
	// sweeping continues while disconnected
	h.deliver(t, feed.Disconnected{URL: "ws://r"})

	h.clk.Run(SweepInterval)
	u := h.next(t)
	require.Equal(t, KindSweep, u.Kind)
	require.Equal(t, 1, u.Removed)
	_, ok := h.eng.Store().Get("short")
	require.False(t, ok)
	_, ok = h.eng.Store().Get("long")
	require.True(t, ok)

	// rescheduled
	h.clk.WaitForTimers(1)
	h.clk.Run(SweepInterval)
	u = h.next(t)
	require.Equal(t, KindSweep, u.Kind)
	require.Zero(t, u.Removed)
	require.False(t, u.Changed)
}

func TestSweepNotDueBeforeInterval(t *testing.T) {
	h := start(t)
	h.clk.Run(SweepInterval - time.Millisecond)
	select {
	case u := <-h.updates:
		t.Fatalf("unexpected update before interval: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunStopsSweeper(t *testing.T) {
	h := start(t)
	require.Equal(t, 1, h.clk.ActiveTimers())

	h.cancel()
	require.ErrorIs(t, <-h.errc, context.Canceled)
	h.errc <- nil // satisfy cleanup

	require.Zero(t, h.clk.ActiveTimers())
	require.ErrorIs(t, h.eng.Deliver(feed.PeerJoin{}), ErrStopped)
}

func TestSweeperStopIsFinal(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	fired := 0
	sw := NewSweeper(clk, time.Second, func() { fired++ })
	sw.Start()
	sw.Start()
	require.Equal(t, 1, clk.ActiveTimers())

	clk.Run(time.Second)
	clk.Run(time.Second)
	require.Equal(t, 2, fired)

	sw.Stop()
	require.Zero(t, clk.ActiveTimers())
	clk.Run(10 * time.Second)
	require.Equal(t, 2, fired)

	sw.Start()
	require.Zero(t, clk.ActiveTimers())
}
