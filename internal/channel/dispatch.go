package channel

import (
	"context"
	"sync"
)

// SenderQueue hands inbound messages to a handler one at a time per sender,
// in arrival order. Different senders run concurrently.
type SenderQueue struct {
	mu      sync.Mutex
	pending map[string][]InboundMessage
	wg      sync.WaitGroup
}

// NewSenderQueue creates an empty SenderQueue.
func NewSenderQueue() *SenderQueue {
	return &SenderQueue{pending: make(map[string][]InboundMessage)}
}

// Dispatch queues msg behind earlier messages from the same sender and
// returns without waiting. Messages still queued when ctx ends are dropped.
func (q *SenderQueue) Dispatch(ctx context.Context, ch Channel, handler InboundHandler, msg InboundMessage) {
	key := string(msg.Channel) + "\x00" + msg.ChannelUID
	q.mu.Lock()
	queue, running := q.pending[key]
	q.pending[key] = append(queue, msg)
	q.mu.Unlock()
	if running {
		return
	}
	q.wg.Add(1)
	go q.drain(ctx, ch, handler, key)
}

func (q *SenderQueue) drain(ctx context.Context, ch Channel, handler InboundHandler, key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		queue := q.pending[key]
		if len(queue) == 0 || ctx.Err() != nil {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		msg := queue[0]
		q.pending[key] = queue[1:]
		q.mu.Unlock()

		handler(ctx, ch, msg)
	}
}

// Wait blocks until every running sender queue has drained.
func (q *SenderQueue) Wait() {
	q.wg.Wait()
}
