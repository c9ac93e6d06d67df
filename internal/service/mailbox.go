package service

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/vogiaan1904/actpresence/internal/presence"
)

type messageKind int

const (
	msgEvent messageKind = iota
	msgTrack
	msgRecheck
	msgBarrier
)

type message struct {
	kind  messageKind
	event presence.Event
	done  chan struct{}
}

// release unblocks a waiting barrier; other kinds have nothing to release.
func (m message) release() {
	if m.kind == msgBarrier && m.done != nil {
		close(m.done)
	}
}

// mailbox is an unbounded FIFO feeding one session loop. put never blocks so
// transport goroutines can post from inside their own locks.
type mailbox struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{items: queue.New(), notify: make(chan struct{}, 1)}
}

func (b *mailbox) put(m message) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items.Add(m)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) drain() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked()
}

// close rejects further puts and returns whatever was still queued.
func (b *mailbox) close() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.takeLocked()
}

func (b *mailbox) takeLocked() []message {
	n := b.items.Length()
	if n == 0 {
		return nil
	}
	items := make([]message, 0, n)
	for b.items.Length() > 0 {
		items = append(items, b.items.Remove().(message))
	}
	return items
}
