// Package ring maps scanner sessions onto relays with consistent hashing, so
// a scanner keeps its home relay as the relay directory changes around it.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type Ring struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> relayID
	relays   map[string]string // relayID -> url
}

func New(replicas int, h Hasher) *Ring {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = fnv32a
	}
	return &Ring{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		relays:   make(map[string]string),
	}
}

// Reset replaces the ring contents with relays (relayID -> url).
func (r *Ring) Reset(relays map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays = maps.Clone(relays)
	if r.relays == nil {
		r.relays = make(map[string]string)
	}
	r.rebuild()
}

func (r *Ring) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.relays {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Lookup returns the relayID owning key, or "" on an empty ring.
func (r *Ring) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// LookupN returns up to n distinct relayIDs walking clockwise from key.
func (r *Ring) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// search finds the first point >= hash(key), wrapping to 0.
func (r *Ring) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// Home returns the url of the relay a session should connect to.
func (r *Ring) Home(sessionID string) (string, bool) {
	id := r.Lookup([]byte(sessionID))
	if id == "" {
		return "", false
	}
	return r.URL(id)
}

// Candidates lists up to n relay urls for sessionID, home relay first.
func (r *Ring) Candidates(sessionID string, n int) []string {
	ids := r.LookupN([]byte(sessionID), n)
	r.mu.RLock()
	defer r.mu.RUnlock()
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		urls = append(urls, r.relays[id])
	}
	return urls
}

func (r *Ring) URL(relayID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.relays[relayID]
	return u, ok
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.relays)
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(relayID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(relayID), buf[:]...)
}
