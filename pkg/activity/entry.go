// Package activity holds the bounded logs shown next to the feed: the
// activity log (connection changes, syncs, messages, peers) and the mining
// log of proof-of-work tickets observed on incoming messages.
package activity

import "time"

const (
	LogCapacity    = 200
	MiningCapacity = 50
)

type Kind string

const (
	KindSystem  Kind = "system"
	KindMessage Kind = "message"
	KindJoin    Kind = "join"
	KindLeave   Kind = "leave"
	KindError   Kind = "error"
)

type Entry struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
}

// MiningEntry records the admission ticket of one accepted message.
type MiningEntry struct {
	Author    string  `json:"author"`
	PowHash   string  `json:"pow_hash"`
	Nonce     string  `json:"nonce"`
	Timestamp float64 `json:"timestamp"`
}

func NewLog() *Ring[Entry] { return NewRing[Entry](LogCapacity) }

func NewMiningLog() *Ring[MiningEntry] { return NewRing[MiningEntry](MiningCapacity) }
