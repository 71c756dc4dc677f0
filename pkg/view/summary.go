package view

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/limedotxyz/limescan/pkg/activity"
	"github.com/limedotxyz/limescan/pkg/feed"
	"github.com/limedotxyz/limescan/pkg/store"
)

const threadPreviewLength = 60

// ThreadSummary describes a thread's activity for thread listings.
type ThreadSummary struct {
	Thread
	Count         int     `json:"count"`
	Latest        float64 `json:"latest"`
	Preview       string  `json:"preview"`
	PreviewAuthor string  `json:"preview_author"`
}

// ThreadSummaries groups the live messages of board by thread, newest
// activity first. Untitled threads are included as "untitled".
func ThreadSummaries(msgs []feed.Message, board string, now time.Time) []ThreadSummary {
	if board == "" {
		board = All
	}
	byID := map[string]*ThreadSummary{}
	var order []string
	for _, m := range msgs {
		if !m.Live(now) || m.ThreadID == "" || !matchBoard(m, board) {
			continue
		}
		t, ok := byID[m.ThreadID]
		if !ok {
			t = &ThreadSummary{Thread: Thread{ID: m.ThreadID}}
			byID[m.ThreadID] = t
			order = append(order, m.ThreadID)
		}
		t.Count++
		if t.Title == "" && m.ThreadTitle != "" {
			t.Title = m.ThreadTitle
		}
		if m.Timestamp > t.Latest {
			t.Latest = m.Timestamp
			t.Preview = truncate(m.Content, threadPreviewLength)
			t.PreviewAuthor = m.DisplayAuthor()
		}
	}

	out := make([]ThreadSummary, 0, len(order))
	for _, id := range order {
		t := *byID[id]
		if t.Title == "" {
			t.Title = "untitled"
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Latest > out[j].Latest })
	return out
}

// BoardChat returns the live messages of board that belong to no thread.
func BoardChat(msgs []feed.Message, board string, now time.Time) []feed.Message {
	var out []feed.Message
	for _, m := range Visible(msgs, Query{Board: board}, now) {
		if m.ThreadID == "" {
			out = append(out, m)
		}
	}
	return out
}

// Mentions returns live messages whose content contains @name.
func Mentions(msgs []feed.Message, name string, now time.Time) []feed.Message {
	tag := "@" + name
	var out []feed.Message
	for _, m := range msgs {
		if m.Live(now) && strings.Contains(m.Content, tag) {
			out = append(out, m)
		}
	}
	return out
}

type Summary struct {
	Live          int     `json:"live"`
	Visible       int     `json:"visible"`
	Boards        int     `json:"boards"`
	Threads       int     `json:"threads"`
	Authors       int     `json:"authors"`
	PeersOnline   int     `json:"peers_online"`
	TotalMessages int     `json:"total_messages"`
	Uptime        float64 `json:"uptime"`
	RelayWallet   string  `json:"relay_wallet,omitempty"`
}

// Item is a message decorated with the fields a renderer needs.
type Item struct {
	feed.Message
	Author    string    `json:"author"`
	Remaining string    `json:"remaining"`
	Expires   time.Time `json:"expires_at"`
}

func NewItem(m feed.Message, now time.Time) Item {
	return Item{Message: m, Author: m.DisplayAuthor(), Remaining: m.RemainingDisplay(now), Expires: m.ExpiresAt()}
}

func itemsOf(msgs []feed.Message, now time.Time) []Item {
	items := make([]Item, len(msgs))
	for i, m := range msgs {
		items[i] = NewItem(m, now)
	}
	return items
}

// View is everything a presentation layer consumes. ThreadSummaries and
// Chat are set once a single board is selected, Mentions once a name is.
type View struct {
	Query           Query                  `json:"query"`
	Items           []Item                 `json:"items"`
	Boards          []string               `json:"boards"`
	Threads         []Thread               `json:"threads"`
	ThreadSummaries []ThreadSummary        `json:"thread_summaries,omitempty"`
	Chat            []Item                 `json:"chat,omitempty"`
	Mentions        []Item                 `json:"mentions,omitempty"`
	Authors         []string               `json:"authors"`
	Summary         Summary                `json:"summary"`
	Activity        []activity.Entry       `json:"activity"`
	Mining          []activity.MiningEntry `json:"mining"`
}

// Summarize computes the counters shown in a header for the given board.
func Summarize(st store.State, board string, now time.Time) Summary {
	live := 0
	for _, m := range st.Messages {
		if m.Live(now) {
			live++
		}
	}
	return Summary{
		Live:          live,
		Boards:        len(Boards(st.Messages, now)),
		Threads:       len(Threads(st.Messages, board, now)),
		Authors:       len(st.Authors),
		PeersOnline:   st.Stats.PeersOnline,
		TotalMessages: st.Stats.TotalMessages,
		Uptime:        st.Stats.UptimeAt(now),
		RelayWallet:   st.Stats.RelayWallet,
	}
}

// Build derives a View from one consistent store snapshot.
func Build(st store.State, q Query, now time.Time) View {
	visible := Visible(st.Messages, q, now)
	summary := Summarize(st, q.board(), now)
	summary.Visible = len(visible)

	v := View{
		Query:    q,
		Items:    itemsOf(visible, now),
		Boards:   Boards(st.Messages, now),
		Threads:  Threads(st.Messages, q.board(), now),
		Authors:  st.Authors,
		Summary:  summary,
		Activity: st.Activity,
		Mining:   st.Mining,
	}
	if b := q.board(); b != All {
		v.ThreadSummaries = ThreadSummaries(st.Messages, b, now)
		v.Chat = itemsOf(BoardChat(st.Messages, b, now), now)
	}
	if q.Mention != "" {
		v.Mentions = itemsOf(Mentions(st.Messages, q.Mention, now), now)
	}
	return v
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
