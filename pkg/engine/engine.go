// Package engine serializes every change to the feed store. Transport
// sessions and the expiry sweeper only enqueue; one goroutine applies events
// in arrival order and publishes an Update after each.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/internal/telemetry"
	"github.com/limedotxyz/limescan/pkg/clock"
	"github.com/limedotxyz/limescan/pkg/feed"
	"github.com/limedotxyz/limescan/pkg/store"
)

// KindSweep labels updates produced by the expiry sweeper.
const KindSweep = "sweep"

var ErrStopped = errors.New("engine: stopped")

type Settings struct {
	SweepInterval time.Duration
	QueueSize     int
}

func DefaultSettings() *Settings {
	return &Settings{
		SweepInterval: SweepInterval,
		QueueSize:     256,
	}
}

// Update is published after each applied event or sweep.
type Update struct {
	Kind string
	At   time.Time
	// Changed is false when the event was a no-op, e.g. a duplicate message
	// or a suppressed disconnect.
	Changed bool
	// Removed is set on sweeps.
	Removed int
}

type Engine struct {
	store    *store.Store
	clk      clock.Clock
	log      *zap.Logger
	settings *Settings

	queue   chan feed.Event
	sweepc  chan struct{}
	done    chan struct{}
	updates event.FeedOf[Update]
}

func New(st *store.Store, clk clock.Clock, log *zap.Logger, settings *Settings) *Engine {
	if settings == nil {
		settings = DefaultSettings()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    st,
		clk:      clk,
		log:      log,
		settings: settings,
		queue:    make(chan feed.Event, settings.QueueSize),
		sweepc:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (e *Engine) Store() *store.Store { return e.store }

// Now is the wall time the engine stamps events with.
func (e *Engine) Now() time.Time { return e.clk.Wall() }

// subscribe registers ch for every update. Send blocks until ch accepts, so
// ch must be drained promptly; outside readers use Listen.
func (e *Engine) subscribe(ch chan<- Update) event.Subscription {
	return e.updates.Subscribe(ch)
}

// Deliver enqueues ev. It blocks while the queue is full and returns
// ErrStopped once Run has returned.
func (e *Engine) Deliver(ev feed.Event) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- ev:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// Emit adapts Deliver to the transport's handler signature.
func (e *Engine) Emit(ev feed.Event) {
	if err := e.Deliver(ev); err != nil {
		e.log.Debug("event_discarded", zap.String("type", feed.Name(ev)), zap.Error(err))
	}
}

// Run applies queued events until ctx is cancelled. The sweeper lives for the
// duration of Run.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	sw := NewSweeper(e.clk, e.settings.SweepInterval, e.requestSweep)
	sw.Start()
	defer sw.Stop()

	e.log.Info("engine_started", zap.Duration("sweep_interval", e.settings.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine_stopped")
			return ctx.Err()
		case ev := <-e.queue:
			e.apply(ev)
		case <-e.sweepc:
			e.sweep()
		}
	}
}

// requestSweep coalesces: at most one sweep is pending.
func (e *Engine) requestSweep() {
	select {
	case e.sweepc <- struct{}{}:
	default:
	}
}

func (e *Engine) apply(ev feed.Event) {
	now := e.clk.Wall()
	kind := feed.Name(ev)
	changed := true

	switch ev := ev.(type) {
	case feed.Snapshot:
		n := e.store.ApplySnapshot(ev, now)
		e.log.Info("snapshot_applied",
			zap.Int("received", len(ev.Messages)),
			zap.Int("accepted", n),
		)
	case feed.MessageEvent:
		changed = e.store.ApplyMessage(ev.Message, now)
		e.log.Debug("message_applied", zap.String("id", ev.Message.ID), zap.Bool("new", changed))
	case feed.PeerJoin:
		e.store.ApplyPeerJoin(ev.PeersOnline, now)
	case feed.PeerLeave:
		e.store.ApplyPeerLeave(ev.PeersOnline, now)
	case feed.Connected:
		e.store.ApplyConnected(ev.URL, now)
		e.log.Info("relay_connected", zap.String("url", ev.URL))
	case feed.Disconnected:
		changed = e.store.ApplyDisconnected(now)
		if changed {
			e.log.Info("relay_disconnected", zap.String("url", ev.URL), zap.Error(ev.Err))
		}
	default:
		e.log.Warn("unknown_event", zap.String("type", kind))
		return
	}

	telemetry.EventsTotal.WithLabelValues(kind).Inc()
	e.observe()
	e.updates.Send(Update{Kind: kind, At: now, Changed: changed})
}

func (e *Engine) sweep() {
	now := e.clk.Wall()
	n := e.store.SweepExpired(now)
	if n > 0 {
		telemetry.SweptMessages.Add(float64(n))
		e.log.Debug("expired_swept", zap.Int("removed", n))
	}
	e.observe()
	e.updates.Send(Update{Kind: KindSweep, At: now, Changed: n > 0, Removed: n})
}

func (e *Engine) observe() {
	telemetry.LiveMessages.Set(float64(e.store.Len()))
	telemetry.KnownAuthors.Set(float64(e.store.AuthorCount()))
}
