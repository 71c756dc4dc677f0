package scanner

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/internal/logger"
	"github.com/limedotxyz/limescan/internal/telemetry"
	"github.com/limedotxyz/limescan/pkg/pow"
	"github.com/limedotxyz/limescan/pkg/view"
)

const streamWriteTimeout = 5 * time.Second

// Routes mounts every endpoint on mux.
func (s *Scanner) Routes(mux *http.ServeMux) {
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(s.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(s.Info)))
	mux.Handle("/view", telemetry.Instrument("view", http.HandlerFunc(s.View)))
	mux.Handle("/message", telemetry.Instrument("message", http.HandlerFunc(s.Message)))
	mux.Handle("/relays", telemetry.Instrument("relays", http.HandlerFunc(s.Relays)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	// not instrumented: the upgrade needs the raw ResponseWriter
	mux.HandleFunc("/stream", s.Stream)
}

// Handler is Routes on a fresh mux with request logging.
func (s *Scanner) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return logger.LogRequests(s.log, mux)
}

// Healthz returns 200 OK to indicate the scanner is alive.
func (s *Scanner) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, live message count and relay
// connection.
func (s *Scanner) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		Live    int       `json:"live"`
		Authors int       `json:"authors"`
		Relay   string    `json:"relay"`
		State   string    `json:"state"`
	}
	url, state := s.Relay()
	st := s.eng.Store()
	writeJSON(w, resp{
		PID:     os.Getpid(),
		Now:     s.eng.Now(),
		Live:    st.Len(),
		Authors: st.AuthorCount(),
		Relay:   url,
		State:   state.String(),
	})
}

// View writes the derived view for ?board=&thread=&q=&mention=.
func (s *Scanner) View(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.build(queryFrom(r)))
}

// Message writes one live message by ?id= along with whether its proof of
// work holds at the configured difficulty.
func (s *Scanner) Message(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	m, ok := s.eng.Store().Get(id)
	if id == "" || !ok {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	type resp struct {
		view.Item
		PowValid bool `json:"pow_valid"`
	}
	writeJSON(w, resp{
		Item:     view.NewItem(m, s.eng.Now()),
		PowValid: pow.VerifyMessage(m, s.cfg.Difficulty),
	})
}

// Relays lists the known relays and marks the one in use.
func (s *Scanner) Relays(w http.ResponseWriter, _ *http.Request) {
	type relay struct {
		Operator string `json:"operator"`
		URL      string `json:"url"`
		Stake    string `json:"stake"`
		Home     bool   `json:"home"`
	}
	current, _ := s.Relay()
	out := []relay{}
	for _, rel := range s.reg.Relays() {
		out = append(out, relay{
			Operator: rel.Operator.Hex(),
			URL:      rel.URL,
			Stake:    rel.Stake.Dec(),
			Home:     NormalizeRelayURL(rel.URL) == current,
		})
	}
	if len(out) == 0 {
		for _, u := range s.cfg.Fallback {
			out = append(out, relay{URL: u, Stake: "0", Home: NormalizeRelayURL(u) == current})
		}
	}
	writeJSON(w, out)
}

// streamFrame is one websocket push.
type streamFrame struct {
	Type string    `json:"type"`
	View view.View `json:"view"`
}

// Stream upgrades to a websocket and pushes the view for the request's query
// immediately and after every engine update that changed the store. Updates
// arriving while a push is written are coalesced into the next push.
func (s *Scanner) Stream(w http.ResponseWriter, r *http.Request) {
	q := queryFrom(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Debug("stream_upgrade_failed", zap.Error(err))
		return
	}
	defer ws.Close()

	l := s.eng.Listen()
	defer l.Close()

	// reads only detect the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := func() bool {
		data, err := json.Marshal(streamFrame{Type: "view", View: s.build(q)})
		if err != nil {
			s.log.Error("stream_encode_failed", zap.Error(err))
			return false
		}
		ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("stream_closed", zap.Error(err))
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case u := <-l.C():
			if u.Changed && !push() {
				return
			}
		}
	}
}

func (s *Scanner) build(q view.Query) view.View {
	q.Text = strings.TrimSpace(q.Text)
	return view.Build(s.eng.Store().Snapshot(), q, s.eng.Now())
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
