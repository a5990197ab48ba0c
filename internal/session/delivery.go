package session

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// OverflowPolicy decides what happens when the event buffer is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered event to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the event being delivered.
	DropNewest
	// Block waits for the consumer, stalling the read path.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "drop_oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "drop_newest", "newest", "drop":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
}

type queue struct {
	ch     chan Event
	policy OverflowPolicy
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	onDrop    func()
}

func newQueue(size int, policy OverflowPolicy, onDrop func()) *queue {
	if size <= 0 {
		size = 1
	}
	return &queue{
		ch:     make(chan Event, size),
		policy: policy,
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
}

// push enqueues ev according to the policy and reports whether it was
// accepted.
func (q *queue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	switch q.policy {
	case Block:
		select {
		case q.ch <- ev:
			q.delivered.Add(1)
			return true
		case <-q.done:
			return false
		}
	case DropNewest:
		select {
		case q.ch <- ev:
			q.delivered.Add(1)
			return true
		default:
			q.drop()
			return false
		}
	default:
		for {
			select {
			case q.ch <- ev:
				q.delivered.Add(1)
				return true
			default:
			}
			select {
			case <-q.ch:
				q.drop()
			default:
			}
		}
	}
}

func (q *queue) drop() {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}

// close unblocks a waiting push before taking the lock, then closes the
// channel so consumers ranging over it terminate.
func (q *queue) close() {
	select {
	case <-q.done:
		return
	default:
	}
	close(q.done)
	q.mu.Lock()
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
}
