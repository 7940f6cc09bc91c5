package vehicle

import (
	"sync"

	"overdrive/pkg/protocol"
)

// commandQueue is an unbounded FIFO of pending outbound frames. Any number of
// goroutines may enqueue; the delivery worker is the only consumer. An empty
// queue is the normal steady state, so dequeue never blocks.
type commandQueue struct {
	mu    sync.Mutex
	items []protocol.Frame
}

func newCommandQueue() *commandQueue {
	return &commandQueue{}
}

// Enqueue appends frames in order under one lock, so multi-frame commands
// stay adjacent.
func (q *commandQueue) Enqueue(frames ...protocol.Frame) {
	q.mu.Lock()
	q.items = append(q.items, frames...)
	q.mu.Unlock()
}

// TryDequeue pops the oldest frame, if any.
func (q *commandQueue) TryDequeue() (protocol.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return f, true
}

// Len reports the number of queued frames.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
