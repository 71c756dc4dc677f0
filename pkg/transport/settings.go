package transport

import "time"

type Settings struct {
	// ReconnectDelay is the fixed wait after any close or failed dial.
	// There is no backoff and no retry limit.
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between frames or pongs.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	// ReadLimit caps one inbound frame in bytes; 0 means no limit. A cap
	// must cover a snapshot, which carries the whole live set in one frame.
	ReadLimit int64
}

func DefaultSettings() *Settings {
	return &Settings{
		ReconnectDelay:   3000 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        0,
	}
}
