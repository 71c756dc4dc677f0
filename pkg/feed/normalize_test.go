package feed

import (
	"testing"
	"time"
)

func TestNormalizeSnapshot(t *testing.T) {
	raw := []byte(`{
		"type": "snapshot",
		"peers_online": 3,
		"peers": ["alice#ab12", "bob#cd34"],
		"total_messages": 42,
		"uptime": 120.5,
		"relay_wallet": null,
		"recent_messages": [
			{"data": {"id": "1", "author_name": "alice", "author_tag": "ab12", "content": "hi", "content_type": "text", "timestamp": 1000, "ttl": 1440, "nonce": "00", "pow_hash": "ff"}, "relayed_at": 1001},
			{"data": {"id": "", "ttl": 1440}, "relayed_at": 1001},
			{"data": "garbage", "relayed_at": 1001},
			{"data": {"id": "2", "author_name": "bob", "author_tag": "cd34", "content": "x", "timestamp": 1000, "ttl": 1440, "board": "dev"}}
		]
	}`)

	ev, ok := Normalize(raw)
	if !ok {
		t.Fatalf("Normalize(snapshot) !ok")
	}
	snap, ok := ev.(Snapshot)
	if !ok {
		t.Fatalf("event type = %T, want Snapshot", ev)
	}
	if snap.PeersOnline == nil || *snap.PeersOnline != 3 {
		t.Fatalf("PeersOnline = %v, want 3", snap.PeersOnline)
	}
	if snap.TotalMessages == nil || *snap.TotalMessages != 42 {
		t.Fatalf("TotalMessages = %v, want 42", snap.TotalMessages)
	}
	if snap.RelayWallet != nil {
		t.Fatalf("null relay_wallet should be absent, got %q", *snap.RelayWallet)
	}
	if len(snap.Peers) != 2 {
		t.Fatalf("Peers = %v, want 2 entries", snap.Peers)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("Messages = %d, want 2 (invalid entries skipped)", len(snap.Messages))
	}
	if snap.Messages[0].RelayedAt != 1001 {
		t.Fatalf("RelayedAt = %v, want 1001", snap.Messages[0].RelayedAt)
	}
	if snap.Messages[1].ContentType != ContentText {
		t.Fatalf("missing content_type should default to text, got %q", snap.Messages[1].ContentType)
	}
}

func TestNormalizeSnapshotWithoutOptionalFields(t *testing.T) {
	ev, ok := Normalize([]byte(`{"type":"snapshot"}`))
	if !ok {
		t.Fatalf("bare snapshot rejected")
	}
	snap := ev.(Snapshot)
	if snap.Peers != nil || snap.PeersOnline != nil || snap.TotalMessages != nil || snap.Uptime != nil {
		t.Fatalf("absent fields should stay absent: %+v", snap)
	}
}

func TestNormalizeMessage(t *testing.T) {
	ev, ok := Normalize([]byte(`{"type":"message","data":{"id":"x","author_name":"a","author_tag":"t","content":"c","content_type":"code","timestamp":5,"ttl":10},"relayed_at":6}`))
	if !ok {
		t.Fatalf("Normalize(message) !ok")
	}
	m := ev.(MessageEvent).Message
	if m.ID != "x" || m.ContentType != ContentCode || m.RelayedAt != 6 {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestNormalizePeerEvents(t *testing.T) {
	ev, ok := Normalize([]byte(`{"type":"peer_join","peers_online":7,"ts":1}`))
	if !ok {
		t.Fatalf("peer_join rejected")
	}
	if j := ev.(PeerJoin); j.PeersOnline == nil || *j.PeersOnline != 7 {
		t.Fatalf("PeerJoin count = %v", j.PeersOnline)
	}

	ev, ok = Normalize([]byte(`{"type":"peer_leave"}`))
	if !ok {
		t.Fatalf("peer_leave rejected")
	}
	if l := ev.(PeerLeave); l.PeersOnline != nil {
		t.Fatalf("absent count should be nil")
	}
}

func TestNormalizeDropsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{{`,
		"array":           `[1,2,3]`,
		"null":            `null`,
		"no type":         `{"peers_online":1}`,
		"unknown type":    `{"type":"relay_wallet","address":"0x1"}`,
		"message no data": `{"type":"message"}`,
		"message no id":   `{"type":"message","data":{"ttl":5}}`,
		"message no ttl":  `{"type":"message","data":{"id":"a"}}`,
		"bad content":     `{"type":"message","data":{"id":"a","ttl":5,"content_type":"video"}}`,
		"bad field type":  `{"type":"peer_join","peers_online":"many"}`,
		"empty":           ``,
	}
	for name, raw := range cases {
		if ev, ok := Normalize([]byte(raw)); ok {
			t.Fatalf("%s: Normalize = %T, want dropped", name, ev)
		}
	}
}

func TestMessageLiveness(t *testing.T) {
	now := time.Unix(10_000, 0)
	m := Message{ID: "a", Timestamp: 10_000 - 100, TTL: 100}
	if m.Live(now) {
		t.Fatalf("age == ttl must not be live")
	}
	m.TTL = 101
	if !m.Live(now) {
		t.Fatalf("age < ttl must be live")
	}
	if got := m.Remaining(now); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
	m.TTL = 1440
	if got := m.RemainingDisplay(now); got != "22m" {
		t.Fatalf("RemainingDisplay = %q, want 22m", got)
	}
}

func TestMessageDefaults(t *testing.T) {
	m := Message{AuthorName: "alice", AuthorTag: "ab12"}
	if m.DisplayAuthor() != "alice#ab12" {
		t.Fatalf("DisplayAuthor = %q", m.DisplayAuthor())
	}
	if m.BoardName() != DefaultBoard {
		t.Fatalf("BoardName = %q, want %q", m.BoardName(), DefaultBoard)
	}
}

func TestPowPayloadExcludesTicket(t *testing.T) {
	a := Message{ID: "a", Content: "c", TTL: 1, Nonce: "01", PowHash: "aa"}
	b := a
	b.Nonce, b.PowHash, b.Signature = "02", "bb", "sig"
	if string(a.PowPayload()) != string(b.PowPayload()) {
		t.Fatalf("payload must not depend on nonce, hash or signature")
	}
	b.Content = "d"
	if string(a.PowPayload()) == string(b.PowPayload()) {
		t.Fatalf("payload must depend on content")
	}
}
