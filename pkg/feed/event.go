package feed

// Event is the closed set of things that can happen to the feed. Only this
// package defines variants.
type Event interface {
	isEvent()
}

// Snapshot resynchronizes the whole working set. Nil pointer fields and a
// nil Peers slice mean the frame did not carry that field.
type Snapshot struct {
	Peers         []string
	PeersOnline   *int
	TotalMessages *int
	Uptime        *float64
	RelayWallet   *string
	Messages      []Message
}

// MessageEvent carries exactly one pushed message.
type MessageEvent struct {
	Message Message
}

// PeerJoin and PeerLeave carry the updated online count only; the peer's
// identity is never disclosed on these events.
type PeerJoin struct {
	PeersOnline *int
}

type PeerLeave struct {
	PeersOnline *int
}

// Connected and Disconnected are emitted by the transport session, not
// parsed from frames.
type Connected struct {
	URL string
}

type Disconnected struct {
	URL string
	Err error
}

func (Snapshot) isEvent()     {}
func (MessageEvent) isEvent() {}
func (PeerJoin) isEvent()     {}
func (PeerLeave) isEvent()    {}
func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}

// Name is the label used in logs and metrics.
func Name(ev Event) string {
	switch ev.(type) {
	case Snapshot:
		return TypeSnapshot
	case MessageEvent:
		return TypeMessage
	case PeerJoin:
		return TypePeerJoin
	case PeerLeave:
		return TypePeerLeave
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
