package scanner

import (
	"net/http"
	"strings"

	"github.com/limedotxyz/limescan/pkg/view"
)

// NormalizeRelayURL maps http(s) schemes onto ws(s) and adds ws:// when the
// address has no scheme at all.
func NormalizeRelayURL(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://")
	}
	return "ws://" + addr
}

// queryFrom reads board, thread, q and mention from the request's query
// string.
func queryFrom(r *http.Request) view.Query {
	v := r.URL.Query()
	return view.Query{
		Board:   v.Get("board"),
		Thread:  v.Get("thread"),
		Text:    v.Get("q"),
		Mention: strings.TrimPrefix(strings.TrimSpace(v.Get("mention")), "@"),
	}
}
