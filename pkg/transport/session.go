// Package transport keeps one logical connection to a feed source open.
// Frames are normalized into feed events; lifecycle changes are reported as
// feed.Connected and feed.Disconnected through the same handler.
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/mclock"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/internal/telemetry"
	"github.com/limedotxyz/limescan/pkg/feed"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives every event the session produces, on the session's
// goroutine.
type Handler func(feed.Event)

type Session struct {
	url      string
	dialer   Dialer
	clk      mclock.Clock
	emit     Handler
	log      *zap.Logger
	settings *Settings

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	wg    sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	conn     Conn
	timer    mclock.Timer
	reported bool // Disconnected already emitted for this outage
}

func NewSession(url string, dialer Dialer, clk mclock.Clock, emit Handler, log *zap.Logger, settings *Settings) *Session {
	if settings == nil {
		settings = DefaultSettings()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		url:      url,
		dialer:   dialer,
		clk:      clk,
		emit:     emit,
		log:      log.With(zap.String("relay", url)),
		settings: settings,
	}
}

func (s *Session) URL() string { return s.url }

func (s *Session) State() State { return State(s.state.Load()) }

// Start begins connecting in the background. The session lives until ctx is
// done or Close is called. Start is a no-op after the first call.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.connect()

	// ctx cancellation behaves like Close
	go func() {
		<-s.ctx.Done()
		s.Close()
	}()
}

// Close stops the reconnect timer and the read loop and waits for the
// session goroutines to exit. Nothing is emitted after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.setState(StateDisconnected)
}

func (s *Session) connect() {
	defer s.wg.Done()

	if s.isClosed() {
		return
	}
	s.setState(StateConnecting)
	s.log.Debug("relay_dialing")

	conn, err := s.dialer.Dial(s.ctx, s.url)
	if err != nil {
		s.lost(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.reported = false
	s.mu.Unlock()

	s.setState(StateConnected)
	s.send(feed.Connected{URL: s.url})

	err = s.read(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()

	s.lost(err)
}

func (s *Session) read(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok := feed.Normalize(data)
		if !ok {
			telemetry.DroppedFrames.Inc()
			s.log.Debug("frame_dropped", zap.Int("bytes", len(data)))
			continue
		}
		s.send(ev)
	}
}

// lost reports the outage once and schedules the next attempt.
func (s *Session) lost(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	report := !s.reported
	s.reported = true
	s.timer = s.clk.AfterFunc(s.settings.ReconnectDelay, s.reconnect)
	s.mu.Unlock()

	s.setState(StateDisconnected)
	telemetry.Reconnects.WithLabelValues(s.url).Inc()
	if report {
		s.log.Info("relay_lost", zap.Error(err), zap.Duration("retry_in", s.settings.ReconnectDelay))
		s.send(feed.Disconnected{URL: s.url, Err: err})
	}
}

// reconnect runs on the clock's goroutine, so it only hands off.
func (s *Session) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timer = nil
	s.wg.Add(1)
	go s.connect()
}

func (s *Session) send(ev feed.Event) {
	if s.isClosed() {
		return
	}
	s.emit(ev)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	telemetry.ConnectionState.WithLabelValues(s.url).Set(float64(st))
}
