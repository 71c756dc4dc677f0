// feedsim is a stand-in relay for local runs: it serves the relay wire
// protocol over a websocket, mines and broadcasts synthetic messages, and
// can announce itself in the etcd relay directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/discovery"
	"github.com/limedotxyz/limescan/internal/config"
	"github.com/limedotxyz/limescan/internal/logger"
	"github.com/limedotxyz/limescan/pkg/feed"
	"github.com/limedotxyz/limescan/pkg/pow"
)

var (
	authors = []string{"alice", "bob", "carol", "dave", "erin"}
	boards  = []string{"", "dev", "trading", "memes"}
	words   = []string{"gm", "wagmi", "shipping", "the relay", "is", "fast", "today", "@alice", "ngmi", "lfg"}
)

func main() {
	listen := flag.String("listen", ":4210", "listen address")
	rate := flag.Duration("rate", 2*time.Second, "time between messages")
	ttl := flag.Int("ttl", feed.DefaultTTL, "message ttl in seconds")
	difficulty := flag.Int("difficulty", 12, "proof of work difficulty in bits")
	keep := flag.Int("keep", 50, "recent messages sent in the snapshot")
	seed := flag.Int("seed", 5, "messages mined before serving, for the first snapshot")
	etcd := flag.String("etcd", "", "comma-separated etcd endpoints to announce on")
	prefix := flag.String("prefix", discovery.DefaultPrefix, "relay directory prefix")
	operator := flag.String("operator", "0x00000000000000000000000000000000000000a1", "operator address to announce")
	url := flag.String("url", "ws://localhost:4210", "public url to announce")
	stake := flag.String("stake", "250000000000000000000000", "stake to announce, in wei")
	flag.Parse()

	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newRelay(*keep, log)
	if err := r.seed(ctx, *seed, *ttl, *difficulty); err != nil {
		log.Fatal("seed_failed", zap.Error(err))
	}
	go r.produce(ctx, *rate, *ttl, *difficulty)

	if *etcd != "" {
		cli, err := discovery.NewClient(config.SplitList(*etcd))
		if err != nil {
			log.Fatal("etcd_client_failed", zap.Error(err))
		}
		defer cli.Close()
		dir := discovery.NewDirectory(cli, *prefix, nil, log)
		rec := discovery.Record{Operator: *operator, URL: *url, Stake: *stake}
		if _, err := dir.Announce(ctx, rec, 10); err != nil {
			log.Fatal("announce_failed", zap.Error(err))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", r.serve(true))
	mux.HandleFunc("/scan", r.serve(false))
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("feedsim_listening", zap.String("addr", *listen), zap.Int("difficulty", *difficulty))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("listen_failed", zap.Error(err))
	}
}

type relayed struct {
	Data      feed.Message `json:"data"`
	RelayedAt float64      `json:"relayed_at"`
}

type relay struct {
	log      *zap.Logger
	keep     int
	upgrader websocket.Upgrader
	frames   event.FeedOf[[]byte]
	started  time.Time

	mu     sync.Mutex
	recent []relayed
	total  int
	peers  int
}

func newRelay(keep int, log *zap.Logger) *relay {
	return &relay{
		log:      log,
		keep:     keep,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		started:  time.Now(),
	}
}

func unix(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func (r *relay) snapshot(withMessages bool) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(authors))
	for _, a := range authors {
		peers = append(peers, a+"#0000")
	}
	snap := map[string]any{
		"type":           feed.TypeSnapshot,
		"peers":          peers,
		"peers_online":   r.peers,
		"total_messages": r.total,
		"uptime":         time.Since(r.started).Seconds(),
	}
	if withMessages {
		snap["recent_messages"] = append([]relayed(nil), r.recent...)
	}
	b, _ := json.Marshal(snap)
	return b
}

func (r *relay) peerCount(delta int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers += delta
	return r.peers
}

func (r *relay) broadcastPeers(kind string, n int) {
	b, _ := json.Marshal(map[string]any{"type": kind, "peers_online": n})
	r.frames.Send(b)
}

// serve upgrades a viewer connection, sends the snapshot and then every
// broadcast frame until the viewer leaves.
func (r *relay) serve(withMessages bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ws, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ch := make(chan []byte, 64)
		sub := r.frames.Subscribe(ch)
		defer sub.Unsubscribe()

		if err := ws.WriteMessage(websocket.TextMessage, r.snapshot(withMessages)); err != nil {
			return
		}
		r.broadcastPeers(feed.TypePeerJoin, r.peerCount(1))
		defer func() { go r.broadcastPeers(feed.TypePeerLeave, r.peerCount(-1)) }()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case b := <-ch:
				ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}

// seed stamps n messages inline so the first snapshot is not empty.
func (r *relay) seed(ctx context.Context, n, ttl, difficulty int) error {
	for i := 0; i < n; i++ {
		m := synthesize(i, ttl)
		if err := pow.Stamp(ctx, &m, difficulty); err != nil {
			return err
		}
		r.record(relayed{Data: m, RelayedAt: unix(time.Now())})
	}
	r.log.Info("seeded", zap.Int("messages", n))
	return nil
}

func (r *relay) record(rm relayed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, rm)
	if len(r.recent) > r.keep {
		r.recent = r.recent[len(r.recent)-r.keep:]
	}
	r.total++
}

func (r *relay) produce(ctx context.Context, rate time.Duration, ttl, difficulty int) {
	worker := pow.NewWorker(2, r.log)
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m := synthesize(i, ttl)
		var final pow.Update
		for u := range worker.Submit(ctx, pow.Request{Payload: m.PowPayload(), Difficulty: difficulty}) {
			final = u
		}
		if final.Err != nil {
			r.log.Warn("mining_aborted", zap.Error(final.Err))
			continue
		}
		m.Nonce, m.PowHash = final.Result.NonceHex, final.Result.HashHex

		rm := relayed{Data: m, RelayedAt: unix(time.Now())}
		r.record(rm)

		b, _ := json.Marshal(map[string]any{"type": feed.TypeMessage, "data": rm.Data, "relayed_at": rm.RelayedAt})
		n := r.frames.Send(b)
		r.log.Info("message_broadcast", zap.String("id", m.ID), zap.Uint64("attempts", final.Result.Attempts), zap.Int("viewers", n))
	}
}

func synthesize(i, ttl int) feed.Message {
	author := authors[rand.Intn(len(authors))]
	n := 3 + rand.Intn(6)
	text := ""
	for j := 0; j < n; j++ {
		if j > 0 {
			text += " "
		}
		text += words[rand.Intn(len(words))]
	}
	m := feed.Message{
		ID:          fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), i),
		AuthorName:  author,
		AuthorTag:   "0000",
		Content:     text,
		ContentType: feed.ContentText,
		Timestamp:   unix(time.Now()),
		TTL:         ttl,
		Board:       boards[rand.Intn(len(boards))],
	}
	if m.Board != "" && rand.Intn(3) == 0 {
		m.ThreadID = fmt.Sprintf("%s-t%d", m.Board, rand.Intn(3))
		m.ThreadTitle = "thread " + m.ThreadID
	}
	return m
}
