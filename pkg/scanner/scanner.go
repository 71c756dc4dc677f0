// Package scanner is the presentation boundary: it keeps one transport
// session open to a relay picked from the relay ring, failing over along the
// ring when dials keep failing, and serves the derived view over HTTP and a
// websocket stream.
package scanner

import (
	"context"
	"net/http"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/pkg/clock"
	"github.com/limedotxyz/limescan/pkg/engine"
	"github.com/limedotxyz/limescan/pkg/pow"
	"github.com/limedotxyz/limescan/pkg/registry"
	"github.com/limedotxyz/limescan/pkg/ring"
	"github.com/limedotxyz/limescan/pkg/transport"
)

// DefaultFailoverAfter is how many dials in a row may fail before the
// session leaves its relay.
const DefaultFailoverAfter = 3

type Config struct {
	// SessionID places this scanner on the relay ring.
	SessionID     string
	// Fallback relays are used when the registry lists none.
	Fallback      []string
	// FailoverAfter consecutive failed dials move the session to the next
	// relay on the ring. Zero means DefaultFailoverAfter.
	FailoverAfter int
	// Difficulty is what /message verifies stamps against. Zero means
	// pow.DefaultDifficulty.
	Difficulty    int
	Dialer        transport.Dialer
	Transport     *transport.Settings
}

type Scanner struct {
	eng      *engine.Engine
	reg      registry.Reader
	ring     *ring.Ring
	clk      clock.Clock
	log      *zap.Logger
	cfg      Config
	dialer   trackingDialer
	upgrader websocket.Upgrader

	// rebalanceMu serializes Rebalance; mu guards the fields below it and is
	// never held while a session closes.
	rebalanceMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	session  *transport.Session
	failures int                // consecutive failed dials of session's relay
	down     mapset.Set[string] // relays given up on, skipped by Rebalance
}

func New(eng *engine.Engine, reg registry.Reader, clk clock.Clock, log *zap.Logger, cfg Config) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.DefaultSettings()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWebsocketDialer(cfg.Transport)
	}
	if cfg.FailoverAfter <= 0 {
		cfg.FailoverAfter = DefaultFailoverAfter
	}
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = pow.DefaultDifficulty
	}
	s := &Scanner{
		eng:  eng,
		reg:  reg,
		ring: ring.New(0, nil),
		clk:  clk,
		log:  log,
		cfg:  cfg,
		down: mapset.NewThreadUnsafeSet[string](),
		upgrader: websocket.Upgrader{
			// any origin may read the stream
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.dialer = trackingDialer{Dialer: cfg.Dialer, s: s}
	return s
}

// Connect opens a session to the home relay. Sessions live until ctx is
// done or Close is called.
func (s *Scanner) Connect(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.Rebalance()
}

// Rebalance reloads the relay ring from the registry and moves the session
// if its target relay changed. The target is the home relay unless failed
// dials marked it down, in which case the next ring candidate is used.
func (s *Scanner) Rebalance() {
	s.rebalanceMu.Lock()
	defer s.rebalanceMu.Unlock()

	nodes := make(map[string]string)
	for _, rel := range s.reg.Relays() {
		if rel.URL != "" {
			nodes[strings.ToLower(rel.Operator.Hex())] = NormalizeRelayURL(rel.URL)
		}
	}
	if len(nodes) == 0 {
		for _, u := range s.cfg.Fallback {
			nodes[u] = NormalizeRelayURL(u)
		}
	}
	s.ring.Reset(nodes)

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	target, ok := s.target()
	if !ok {
		s.mu.Unlock()
		s.log.Warn("no_relays")
		return
	}
	old := s.session
	if old != nil && old.URL() == target {
		s.mu.Unlock()
		return
	}
	s.session = nil
	s.mu.Unlock()

	// the old session is closed before the new one starts, so the old relay
	// cannot report a disconnect after the new one connects
	if old != nil {
		s.log.Info("relay_changed", zap.String("from", old.URL()), zap.String("to", target))
		old.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	s.failures = 0
	s.session = transport.NewSession(target, s.dialer, s.clk, s.eng.Emit, s.log, s.cfg.Transport)
	s.session.Start(s.ctx)
}

// target picks the first ring candidate not marked down. Once every relay
// is down the marks are cleared and the home relay is tried again. Callers
// hold s.mu.
func (s *Scanner) target() (string, bool) {
	candidates := s.ring.Candidates(s.cfg.SessionID, s.ring.Len())
	if len(candidates) == 0 {
		return "", false
	}
	for _, u := range candidates {
		if !s.down.Contains(u) {
			return u, true
		}
	}
	s.down.Clear()
	return candidates[0], true
}

// dialed records the outcome of one dial by the current session and fails
// over once FailoverAfter dials in a row have failed.
func (s *Scanner) dialed(url string, err error) {
	s.mu.Lock()
	if s.session == nil || s.session.URL() != url {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.failures = 0
		s.mu.Unlock()
		return
	}
	s.failures++
	trip := s.failures >= s.cfg.FailoverAfter && s.ring.Len() > 1
	if trip {
		s.failures = 0
		s.down.Add(url)
	}
	s.mu.Unlock()

	if trip {
		s.log.Warn("relay_failover", zap.String("relay", url), zap.Int("failed_dials", s.cfg.FailoverAfter))
		// runs on the session's own goroutine, which Rebalance waits for
		go s.Rebalance()
	}
}

// Relay returns the current relay url and connection state.
func (s *Scanner) Relay() (string, transport.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return "", transport.StateDisconnected
	}
	return s.session.URL(), s.session.State()
}

func (s *Scanner) Close() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.ctx = nil
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// trackingDialer reports every dial outcome back to the scanner.
type trackingDialer struct {
	transport.Dialer
	s *Scanner
}

func (d trackingDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, err := d.Dialer.Dial(ctx, url)
	d.s.dialed(url, err)
	return conn, err
}
