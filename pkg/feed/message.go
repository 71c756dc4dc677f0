package feed

import (
	"fmt"
	"time"

	"github.com/limedotxyz/limescan/pkg/clock"
)

const (
	// DefaultTTL is the lifetime producers stamp on messages, in seconds.
	DefaultTTL = 1440
	// DefaultBoard is assumed for messages that carry no board.
	DefaultBoard     = "general"
	MaxContentLength = 4096
)

type ContentType string

const (
	ContentText ContentType = "text"
	ContentCode ContentType = "code"
	ContentFile ContentType = "file"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentCode, ContentFile:
		return true
	}
	return false
}

// Message is one broadcast item. It is never mutated after it is first
// observed.
type Message struct {
	ID           string      `json:"id"`
	PrevHash     string      `json:"prev_hash,omitempty"`
	AuthorName   string      `json:"author_name"`
	AuthorTag    string      `json:"author_tag"`
	AuthorPubkey string      `json:"author_pubkey,omitempty"`
	Content      string      `json:"content"`
	ContentType  ContentType `json:"content_type"`
	Timestamp    float64     `json:"timestamp"`
	TTL          int         `json:"ttl"`
	Nonce        string      `json:"nonce"`
	PowHash      string      `json:"pow_hash"`
	Signature    string      `json:"signature,omitempty"`
	Board        string      `json:"board,omitempty"`
	ThreadID     string      `json:"thread_id,omitempty"`
	ThreadTitle  string      `json:"thread_title,omitempty"`
	ReplyTo      string      `json:"reply_to,omitempty"`
	FileName     string      `json:"file_name,omitempty"`
	FileSize     int         `json:"file_size,omitempty"`

	// RelayedAt is when the relay observed the message; zero if unknown.
	RelayedAt float64 `json:"relayed_at,omitempty"`
}

// DisplayAuthor is the name#tag identity. It is not globally unique.
func (m Message) DisplayAuthor() string {
	return m.AuthorName + "#" + m.AuthorTag
}

// BoardName returns the board, defaulting to "general".
func (m Message) BoardName() string {
	if m.Board == "" {
		return DefaultBoard
	}
	return m.Board
}

// Age is the time elapsed since the producer stamped the message.
func (m Message) Age(now time.Time) float64 {
	return clock.Unix(now) - m.Timestamp
}

// Live reports whether now − timestamp < ttl.
func (m Message) Live(now time.Time) bool {
	return m.Age(now) < float64(m.TTL)
}

func (m Message) ExpiresAt() time.Time {
	return clock.FromUnix(m.Timestamp + float64(m.TTL))
}

// Remaining is the whole number of seconds left before expiry, never
// negative.
func (m Message) Remaining(now time.Time) int {
	left := int(m.Timestamp + float64(m.TTL) - clock.Unix(now))
	if left < 0 {
		return 0
	}
	return left
}

// RemainingDisplay renders Remaining as "12m" or "40s".
func (m Message) RemainingDisplay(now time.Time) string {
	s := m.Remaining(now)
	if s >= 60 {
		return fmt.Sprintf("%dm", s/60)
	}
	return fmt.Sprintf("%ds", s)
}

// PowPayload is the canonical byte string fed to the proof-of-work miner.
// It covers the identity fields and excludes nonce, pow_hash and signature.
func (m Message) PowPayload() []byte {
	return canonicalJSON(map[string]any{
		"id":            m.ID,
		"prev_hash":     m.PrevHash,
		"author_name":   m.AuthorName,
		"author_tag":    m.AuthorTag,
		"author_pubkey": m.AuthorPubkey,
		"content":       m.Content,
		"content_type":  m.ContentType,
		"timestamp":     m.Timestamp,
		"ttl":           m.TTL,
		"board":         m.BoardName(),
		"thread_id":     m.ThreadID,
		"thread_title":  m.ThreadTitle,
		"reply_to":      m.ReplyTo,
	})
}

func (m Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("message: empty id")
	}
	if m.TTL <= 0 {
		return fmt.Errorf("message %s: ttl %d", m.ID, m.TTL)
	}
	if !m.ContentType.Valid() {
		return fmt.Errorf("message %s: content type %q", m.ID, m.ContentType)
	}
	return nil
}
