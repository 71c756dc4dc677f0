package store

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/limedotxyz/limescan/pkg/activity"
	"github.com/limedotxyz/limescan/pkg/feed"
)

const previewLength = 40

// Stats are the relay-reported counters. Each is overwritten independently
// by snapshots that carry it.
type Stats struct {
	PeersOnline   int     `json:"peers_online"`
	TotalMessages int     `json:"total_messages"`
	Uptime        float64 `json:"uptime"`
	RelayWallet   string  `json:"relay_wallet,omitempty"`

	// SyncedAt is when Uptime was last reported; zero before any snapshot.
	SyncedAt time.Time `json:"synced_at"`
}

// UptimeAt extrapolates the relay uptime to now.
func (s Stats) UptimeAt(now time.Time) float64 {
	if s.SyncedAt.IsZero() {
		return s.Uptime
	}
	return s.Uptime + now.Sub(s.SyncedAt).Seconds()
}

// State is a consistent copy of everything the store holds.
type State struct {
	Messages []feed.Message
	Authors  []string
	Stats    Stats
	Activity []activity.Entry
	Mining   []activity.MiningEntry
}

// Store is the canonical working set: live messages in display order, the
// known author set, relay counters and the bounded logs. All mutations are
// expected to come from one goroutine; the lock lets readers take a
// consistent snapshot concurrently.
type Store struct {
	mu   sync.RWMutex
	data map[string]*list.Element
	ll   *list.List

	authors mapset.Set[string]
	stats   Stats
	log     *activity.Ring[activity.Entry]
	mining  *activity.Ring[activity.MiningEntry]

	disconnectLogged bool
}

func New() *Store {
	return &Store{
		data:    make(map[string]*list.Element),
		ll:      list.New(),
		authors: mapset.NewThreadUnsafeSet[string](),
		log:     activity.NewLog(),
		mining:  activity.NewMiningLog(),
	}
}

// ApplySnapshot replaces the live set with the snapshot's messages that are
// still live at now, first occurrence winning on duplicate ids. It returns
// the number of messages accepted.
func (s *Store) ApplySnapshot(snap feed.Snapshot, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*list.Element, len(snap.Messages))
	s.ll.Init()

	if snap.Peers != nil {
		s.authors = mapset.NewThreadUnsafeSet[string](snap.Peers...)
	}

	accepted := 0
	for _, m := range snap.Messages {
		if !m.Live(now) {
			continue
		}
		if _, ok := s.data[m.ID]; ok {
			continue
		}
		s.data[m.ID] = s.ll.PushBack(m)
		s.authors.Add(m.DisplayAuthor())
		s.pushMining(m)
		accepted++
	}

	if snap.PeersOnline != nil {
		s.stats.PeersOnline = *snap.PeersOnline
	}
	if snap.TotalMessages != nil {
		s.stats.TotalMessages = *snap.TotalMessages
	}
	if snap.Uptime != nil {
		s.stats.Uptime = *snap.Uptime
		s.stats.SyncedAt = now
	}
	if snap.RelayWallet != nil {
		s.stats.RelayWallet = *snap.RelayWallet
	}

	s.pushLog(activity.KindSystem, now, fmt.Sprintf("synced: %d online, %d total", s.stats.PeersOnline, s.stats.TotalMessages))
	return accepted
}

// ApplyMessage inserts m unless a message with the same id is present or m
// has already expired. It reports whether m was inserted.
func (s *Store) ApplyMessage(m feed.Message, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[m.ID]; ok {
		return false
	}
	if !m.Live(now) {
		return false
	}

	s.data[m.ID] = s.ll.PushBack(m)
	s.stats.TotalMessages++
	s.authors.Add(m.DisplayAuthor())
	s.pushLog(activity.KindMessage, now, m.DisplayAuthor()+": "+preview(m.Content, previewLength))
	s.pushMining(m)
	return true
}

func (s *Store) ApplyPeerJoin(count *int, now time.Time) {
	s.applyPeerCount(count, activity.KindJoin, "peer joined", now)
}

func (s *Store) ApplyPeerLeave(count *int, now time.Time) {
	s.applyPeerCount(count, activity.KindLeave, "peer left", now)
}

func (s *Store) applyPeerCount(count *int, kind activity.Kind, text string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count != nil {
		s.stats.PeersOnline = *count
	}
	s.pushLog(kind, now, fmt.Sprintf("%s (%d online)", text, s.stats.PeersOnline))
}

// ApplyConnected records a successful (re)connection and re-arms the
// disconnect notice.
func (s *Store) ApplyConnected(url string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectLogged = false
	s.pushLog(activity.KindSystem, now, "connected to "+url)
}

// ApplyDisconnected logs one error line per outage. Further disconnects are
// ignored until ApplyConnected. It reports whether a line was written.
func (s *Store) ApplyDisconnected(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnectLogged {
		return false
	}
	s.disconnectLogged = true
	s.pushLog(activity.KindError, now, "disconnected from relay, reconnecting")
	return true
}

// SweepExpired removes every message with now − timestamp ≥ ttl and returns
// how many were removed. Authors and logs are left alone.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.ll.Front(); el != nil; {
		next := el.Next()
		if m := el.Value.(feed.Message); !m.Live(now) {
			s.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Snapshot copies the whole store under one read lock.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return State{
		Messages: s.messagesLocked(),
		Authors:  s.authorsLocked(),
		Stats:    s.stats,
		Activity: s.log.Values(),
		Mining:   s.mining.Values(),
	}
}

// Get returns the live message with id.
func (s *Store) Get(id string) (feed.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if el, ok := s.data[id]; ok {
		return el.Value.(feed.Message), true
	}
	return feed.Message{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) AuthorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authors.Cardinality()
}

func (s *Store) messagesLocked() []feed.Message {
	out := make([]feed.Message, 0, len(s.data))
	for el := s.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(feed.Message))
	}
	return out
}

func (s *Store) authorsLocked() []string {
	out := s.authors.ToSlice()
	sort.Strings(out)
	return out
}

func (s *Store) pushLog(kind activity.Kind, now time.Time, text string) {
	s.log.Push(activity.Entry{Text: text, Timestamp: now, Kind: kind})
}

func (s *Store) pushMining(m feed.Message) {
	s.mining.Push(activity.MiningEntry{
		Author:    m.DisplayAuthor(),
		PowHash:   m.PowHash,
		Nonce:     m.Nonce,
		Timestamp: m.Timestamp,
	})
}

func (s *Store) removeElement(el *list.Element) {
	m := el.Value.(feed.Message)
	delete(s.data, m.ID)
	s.ll.Remove(el)
}

// preview truncates to n runes, marking the cut with "...".
func preview(content string, n int) string {
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	r := []rune(content)
	return string(r[:n]) + "..."
}
