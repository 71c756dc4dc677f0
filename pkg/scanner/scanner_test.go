package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/limedotxyz/limescan/pkg/clock"
	"github.com/limedotxyz/limescan/pkg/engine"
	"github.com/limedotxyz/limescan/pkg/feed"
	"github.com/limedotxyz/limescan/pkg/pow"
	"github.com/limedotxyz/limescan/pkg/registry"
	"github.com/limedotxyz/limescan/pkg/ring"
	"github.com/limedotxyz/limescan/pkg/store"
	"github.com/limedotxyz/limescan/pkg/transport"
)

var epoch = time.Unix(1_700_000_000, 0)

// idleConn stays open until closed and never delivers a frame.
type idleConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *idleConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, net.ErrClosed
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

var errRefused = errors.New("connection refused")

type recordingDialer struct {
	mu   sync.Mutex
	urls []string
	down string // dials to this url are refused
}

func (d *recordingDialer) Dial(_ context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if url == d.down {
		return nil, errRefused
	}
	return &idleConn{closed: make(chan struct{})}, nil
}

func (d *recordingDialer) refuse(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = url
}

func (d *recordingDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type fixture struct {
	clk     *clock.Virtual
	eng     *engine.Engine
	reg     *registry.Registry
	dialer  *recordingDialer
	scanner *Scanner
	srv     *httptest.Server
}

func setup(t *testing.T, fallback ...string) *fixture {
	t.Helper()
	return setupWith(t, Config{Fallback: fallback})
}

func setupWith(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewVirtual(epoch)
	f := &fixture{
		clk:    clk,
		eng:    engine.New(store.New(), clk, nil, nil),
		reg:    registry.New(),
		dialer: &recordingDialer{},
	}
	cfg.SessionID = "scanner-test"
	cfg.Dialer = f.dialer
	f.scanner = New(f.eng, f.reg, clk, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.eng.Run(ctx)
	}()
	f.srv = httptest.NewServer(f.scanner.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		f.scanner.Close()
		cancel()
		<-done
	})
	return f
}

// deliver enqueues evs and waits until the store holds live messages.
func (f *fixture) deliver(t *testing.T, live int, evs ...feed.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, f.eng.Deliver(ev))
	}
	require.Eventually(t, func() bool { return f.eng.Store().Len() == live }, 2*time.Second, 5*time.Millisecond)
}

func msg(id, board string) feed.Message {
	return feed.Message{
		ID:          id,
		AuthorName:  "alice",
		AuthorTag:   "ab12",
		Content:     "hello " + id,
		ContentType: feed.ContentText,
		Timestamp:   clock.Unix(epoch),
		TTL:         feed.DefaultTTL,
		Board:       board,
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	f := setup(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "ok", string(body))
}

func TestViewEndpoint(t *testing.T) {
	f := setup(t)
	peers := 4
	f.deliver(t, 3,
		feed.Snapshot{PeersOnline: &peers, Messages: []feed.Message{msg("1", ""), msg("2", "dev")}},
		feed.MessageEvent{Message: msg("3", "dev")},
	)

	var v struct {
		Items []struct {
			ID        string `json:"id"`
			Author    string `json:"author"`
			Remaining string `json:"remaining"`
		} `json:"items"`
		Boards  []string `json:"boards"`
		Summary struct {
			Live        int `json:"live"`
			Visible     int `json:"visible"`
			PeersOnline int `json:"peers_online"`
		} `json:"summary"`
	}
	getJSON(t, f.srv.URL+"/view?board=dev", &v)

	require.Len(t, v.Items, 2)
	require.Equal(t, "2", v.Items[0].ID)
	require.Equal(t, "alice#ab12", v.Items[0].Author)
	require.Equal(t, "24m", v.Items[0].Remaining)
	require.Equal(t, []string{"dev", "general"}, v.Boards)
	require.Equal(t, 3, v.Summary.Live)
	require.Equal(t, 2, v.Summary.Visible)
	require.Equal(t, 4, v.Summary.PeersOnline)

	getJSON(t, f.srv.URL+"/view?q=HELLO%203", &v)
	require.Len(t, v.Items, 1)
	require.Equal(t, "3", v.Items[0].ID)

	resp, err := http.Post(f.srv.URL+"/view", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestViewBoardPanels(t *testing.T) {
	f := setup(t)
	threaded := msg("3", "dev")
	threaded.ThreadID, threaded.ThreadTitle = "t1", "Go tips"
	ping := msg("4", "")
	ping.Content = "hi @bob"
	f.deliver(t, 4,
		feed.Snapshot{Messages: []feed.Message{msg("1", ""), msg("2", "dev"), threaded}},
		feed.MessageEvent{Message: ping},
	)

	type item struct {
		ID      string    `json:"id"`
		Expires time.Time `json:"expires_at"`
	}
	var v struct {
		ThreadSummaries []struct {
			ID    string `json:"thread_id"`
			Title string `json:"title"`
			Count int    `json:"count"`
		} `json:"thread_summaries"`
		Chat     []item `json:"chat"`
		Mentions []item `json:"mentions"`
	}
	getJSON(t, f.srv.URL+"/view?board=dev&mention=@bob", &v)

	require.Len(t, v.ThreadSummaries, 1)
	require.Equal(t, "t1", v.ThreadSummaries[0].ID)
	require.Equal(t, "Go tips", v.ThreadSummaries[0].Title)
	require.Equal(t, 1, v.ThreadSummaries[0].Count)
	require.Len(t, v.Chat, 1)
	require.Equal(t, "2", v.Chat[0].ID)
	require.Len(t, v.Mentions, 1)
	require.Equal(t, "4", v.Mentions[0].ID)
	require.True(t, v.Mentions[0].Expires.Equal(epoch.Add(feed.DefaultTTL*time.Second)))

	// no board, no mention: the panels are omitted
	var bare map[string]json.RawMessage
	getJSON(t, f.srv.URL+"/view", &bare)
	require.NotContains(t, bare, "thread_summaries")
	require.NotContains(t, bare, "chat")
	require.NotContains(t, bare, "mentions")
}

func TestMessageEndpoint(t *testing.T) {
	f := setupWith(t, Config{Difficulty: 8})
	stamped := msg("s", "")
	require.NoError(t, pow.Stamp(context.Background(), &stamped, 8))
	forged := msg("f", "")
	forged.Nonce, forged.PowHash = stamped.Nonce, stamped.PowHash
	f.deliver(t, 2, feed.Snapshot{Messages: []feed.Message{stamped, forged}})

	type message struct {
		ID       string `json:"id"`
		Author   string `json:"author"`
		PowHash  string `json:"pow_hash"`
		PowValid bool   `json:"pow_valid"`
	}
	var got message
	getJSON(t, f.srv.URL+"/message?id=s", &got)
	require.Equal(t, "s", got.ID)
	require.Equal(t, "alice#ab12", got.Author)
	require.Equal(t, stamped.PowHash, got.PowHash)
	require.True(t, got.PowValid)

	got = message{}
	getJSON(t, f.srv.URL+"/message?id=f", &got)
	require.Equal(t, "f", got.ID)
	require.False(t, got.PowValid)

	for _, q := range []string{"?id=missing", ""} {
		resp, err := http.Get(f.srv.URL + "/message" + q)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestConnectDialsHomeRelay(t *testing.T) {
	f := setup(t)
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")
	require.NoError(t, f.reg.Register(a, "wss://relay-a", registry.MinStake))
	require.NoError(t, f.reg.Register(b, "https://relay-b", registry.MinStake))

	f.scanner.Connect(context.Background())
	require.Eventually(t, func() bool { return len(f.dialer.dialed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	home := f.dialer.dialed()[0]
	require.Contains(t, []string{"wss://relay-a", "wss://relay-b"}, home)

	// same ring, no move
	f.scanner.Rebalance()
	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.dialer.dialed(), 1)

	// drop the home relay; the session moves to the survivor
	if home == "wss://relay-a" {
		_, err := f.reg.Remove(a)
		require.NoError(t, err)
	} else {
		_, err := f.reg.Remove(b)
		require.NoError(t, err)
	}
	f.scanner.Rebalance()
	require.Eventually(t, func() bool { return len(f.dialer.dialed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NotEqual(t, home, f.dialer.dialed()[1])

	url, _ := f.scanner.Relay()
	require.Equal(t, f.dialer.dialed()[1], url)
}

func TestFailoverAfterRepeatedDialFailures(t *testing.T) {
	f := setup(t, "relay-a:1", "relay-b:1")
	r := ring.New(0, nil)
	r.Reset(map[string]string{"relay-a:1": "ws://relay-a:1", "relay-b:1": "ws://relay-b:1"})
	home, _ := r.Home("scanner-test")
	other := "ws://relay-a:1"
	if home == other {
		other = "ws://relay-b:1"
	}
	f.dialer.refuse(home)

	f.scanner.Connect(context.Background())
	delay := transport.DefaultSettings().ReconnectDelay
	for i := 1; i < DefaultFailoverAfter; i++ {
		// the engine sweeper plus the session's reconnect timer
		f.clk.WaitForTimers(2)
		f.clk.Run(delay)
	}

	require.Eventually(t, func() bool { return len(f.dialer.dialed()) == DefaultFailoverAfter+1 }, 2*time.Second, 5*time.Millisecond)
	dialed := f.dialer.dialed()
	for _, u := range dialed[:DefaultFailoverAfter] {
		require.Equal(t, home, u)
	}
	require.Equal(t, other, dialed[DefaultFailoverAfter])
	require.Eventually(t, func() bool {
		url, state := f.scanner.Relay()
		return url == other && state == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// a directory change keeps the failed relay skipped
	f.scanner.Rebalance()
	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.dialer.dialed(), DefaultFailoverAfter+1)
}

func TestSingleRelayNeverFailsOver(t *testing.T) {
	f := setup(t, "relay-a:1")
	f.dialer.refuse("ws://relay-a:1")

	f.scanner.Connect(context.Background())
	delay := transport.DefaultSettings().ReconnectDelay
	for i := 0; i < DefaultFailoverAfter+1; i++ {
		f.clk.WaitForTimers(2)
		f.clk.Run(delay)
	}
	require.Eventually(t, func() bool { return len(f.dialer.dialed()) == DefaultFailoverAfter+2 }, 2*time.Second, 5*time.Millisecond)
	for _, u := range f.dialer.dialed() {
		require.Equal(t, "ws://relay-a:1", u)
	}
	url, _ := f.scanner.Relay()
	require.Equal(t, "ws://relay-a:1", url)
}

func TestFallbackRelays(t *testing.T) {
	f := setup(t, "localhost:4210")
	f.scanner.Connect(context.Background())
	require.Eventually(t, func() bool {
		_, state := f.scanner.Relay()
		return state == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"ws://localhost:4210"}, f.dialer.dialed())

	var relays []struct {
		URL  string `json:"url"`
		Home bool   `json:"home"`
	}
	getJSON(t, f.srv.URL+"/relays", &relays)
	require.Len(t, relays, 1)
	require.True(t, relays[0].Home)

	var info struct {
		Relay string `json:"relay"`
		State string `json:"state"`
	}
	getJSON(t, f.srv.URL+"/info", &info)
	require.Equal(t, "ws://localhost:4210", info.Relay)
	require.Equal(t, "connected", info.State)
}

func TestStreamPushesViews(t *testing.T) {
	f := setup(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream?board=dev"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	type frame struct {
		Type string `json:"type"`
		View struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
		} `json:"view"`
	}
	read := func() frame {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var fr frame
		require.NoError(t, ws.ReadJSON(&fr))
		return fr
	}

	first := read()
	require.Equal(t, "view", first.Type)
	require.Empty(t, first.View.Items)

	f.deliver(t, 1, feed.MessageEvent{Message: msg("x", "dev")})
	// pushes may be coalesced; keep reading until the message shows up
	for {
		fr := read()
		if len(fr.View.Items) == 1 {
			require.Equal(t, "x", fr.View.Items[0].ID)
			break
		}
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	cases := map[string]string{
		"ws://a:1":         "ws://a:1",
		"wss://a":          "wss://a",
		"http://a:1":       "ws://a:1",
		"https://a":        "wss://a",
		" localhost:4210 ": "ws://localhost:4210",
	}
	for in, want := range cases {
		if got := NormalizeRelayURL(in); got != want {
			t.Fatalf("NormalizeRelayURL(%q) = %q, want %q", in, got, want)
		}
	}
}
