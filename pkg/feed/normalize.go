package feed

import (
	"encoding/json"
)

// Frame type discriminators on the wire.
const (
	TypeSnapshot  = "snapshot"
	TypeMessage   = "message"
	TypePeerJoin  = "peer_join"
	TypePeerLeave = "peer_leave"
)

type frame struct {
	Type string `json:"type"`

	// snapshot
	Peers          []string         `json:"peers"`
	PeersOnline    *int             `json:"peers_online"`
	TotalMessages  *int             `json:"total_messages"`
	Uptime         *float64         `json:"uptime"`
	RelayWallet    *string          `json:"relay_wallet"`
	RecentMessages []relayedMessage `json:"recent_messages"`

	// message
	Data      json.RawMessage `json:"data"`
	RelayedAt float64         `json:"relayed_at"`
}

type relayedMessage struct {
	Data      json.RawMessage `json:"data"`
	RelayedAt float64         `json:"relayed_at"`
}

// Normalize parses one raw frame. It returns false for anything it cannot
// turn into a known event; it never panics and never returns an error.
func Normalize(raw []byte) (Event, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}

	switch f.Type {
	case TypeSnapshot:
		snap := Snapshot{
			Peers:         f.Peers,
			PeersOnline:   f.PeersOnline,
			TotalMessages: f.TotalMessages,
			Uptime:        f.Uptime,
			RelayWallet:   f.RelayWallet,
		}
		// a bad entry costs only itself, not the whole resync
		for _, rm := range f.RecentMessages {
			m, err := decodeMessage(rm.Data, rm.RelayedAt)
			if err != nil {
				continue
			}
			snap.Messages = append(snap.Messages, m)
		}
		return snap, true

	case TypeMessage:
		m, err := decodeMessage(f.Data, f.RelayedAt)
		if err != nil {
			return nil, false
		}
		return MessageEvent{Message: m}, true

	case TypePeerJoin:
		return PeerJoin{PeersOnline: f.PeersOnline}, true

	case TypePeerLeave:
		return PeerLeave{PeersOnline: f.PeersOnline}, true

	default:
		return nil, false
	}
}

func decodeMessage(raw json.RawMessage, relayedAt float64) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	if m.ContentType == "" {
		m.ContentType = ContentText
	}
	if m.RelayedAt == 0 {
		m.RelayedAt = relayedAt
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
