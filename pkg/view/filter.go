// Package view derives what a reader sees from a store snapshot: board and
// thread partitions, text search and summary counters. Nothing here mutates
// the store; every function recomputes from its input.
package view

import (
	"sort"
	"strings"
	"time"

	"github.com/limedotxyz/limescan/pkg/feed"
)

// All selects every board or every thread.
const All = "all"

type Query struct {
	Board   string `json:"board"`
	Thread  string `json:"thread"`
	Text    string `json:"q"`
	Mention string `json:"mention,omitempty"`
}

func (q Query) board() string {
	if q.Board == "" {
		return All
	}
	return q.Board
}

// thread is only meaningful once a board is selected.
func (q Query) thread() string {
	if q.Thread == "" || q.board() == All {
		return All
	}
	return q.Thread
}

// Visible applies liveness, board, thread and text filters, keeping input
// order.
func Visible(msgs []feed.Message, q Query, now time.Time) []feed.Message {
	out := make([]feed.Message, 0, len(msgs))
	needle := strings.ToLower(q.Text)
	for _, m := range msgs {
		if !m.Live(now) {
			continue
		}
		if !matchBoard(m, q.board()) || !matchThread(m, q.thread()) {
			continue
		}
		if needle != "" && !matchText(m, needle) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matchBoard(m feed.Message, board string) bool {
	return board == All || m.BoardName() == board
}

func matchThread(m feed.Message, thread string) bool {
	return thread == All || m.ThreadID == thread
}

// matchText expects a lower-cased needle.
func matchText(m feed.Message, needle string) bool {
	for _, field := range []string{m.AuthorName, m.AuthorTag, m.Content, m.PowHash} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// Boards lists the distinct boards among live messages, sorted.
func Boards(msgs []feed.Message, now time.Time) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range msgs {
		if !m.Live(now) {
			continue
		}
		b := m.BoardName()
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

type Thread struct {
	ID    string `json:"thread_id"`
	Title string `json:"title"`
}

// Threads lists (id, title) pairs among live messages of board that carry a
// title, in first-seen order. The first title seen for an id wins.
func Threads(msgs []feed.Message, board string, now time.Time) []Thread {
	if board == "" {
		board = All
	}
	seen := make(map[string]struct{})
	out := []Thread{}
	for _, m := range msgs {
		if !m.Live(now) || !matchBoard(m, board) {
			continue
		}
		if m.ThreadID == "" || m.ThreadTitle == "" {
			continue
		}
		if _, ok := seen[m.ThreadID]; ok {
			continue
		}
		seen[m.ThreadID] = struct{}{}
		out = append(out, Thread{ID: m.ThreadID, Title: m.ThreadTitle})
	}
	return out
}
