package engine

import "github.com/ethereum/go-ethereum/event"

const listenBuffer = 16

// Listener receives engine updates without ever holding up the engine. A
// reader that falls behind finds one merged update covering what it missed.
type Listener struct {
	c    chan Update
	sub  event.Subscription
	done chan struct{}
}

// Listen registers a new Listener. Close it when done.
func (e *Engine) Listen() *Listener {
	in := make(chan Update, listenBuffer)
	l := &Listener{
		c:    make(chan Update, 1),
		sub:  e.subscribe(in),
		done: make(chan struct{}),
	}
	go l.forward(in)
	return l
}

// C yields at most one pending update.
func (l *Listener) C() <-chan Update { return l.c }

func (l *Listener) Close() {
	l.sub.Unsubscribe()
	<-l.done
}

func (l *Listener) forward(in <-chan Update) {
	defer close(l.done)
	for {
		select {
		case u := <-in:
			l.offer(u)
		case <-l.sub.Err():
			return
		}
	}
}

// offer never blocks: a pending update the reader has not taken yet is
// folded into u. Only forward sends on l.c, so the loop ends after one merge.
func (l *Listener) offer(u Update) {
	for {
		select {
		case l.c <- u:
			return
		default:
		}
		select {
		case old := <-l.c:
			u = merge(old, u)
		default:
		}
	}
}

func merge(old, u Update) Update {
	u.Changed = u.Changed || old.Changed
	u.Removed += old.Removed
	return u
}
