package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func inbound(uid, text string) InboundMessage {
	return InboundMessage{Channel: Telegram, ChannelUID: uid, Text: text}
}

func TestSenderQueueKeepsOrderWhenFirstIsSlow(t *testing.T) {
	q := NewSenderQueue()
	rec := &recorder{}
	otherDone := make(chan struct{})
	handler := func(_ context.Context, _ Channel, msg InboundMessage) {
		if msg.Text == "a1" {
			// A slow lookup on the first message must not let a2 overtake it.
			select {
			case <-otherDone:
			case <-time.After(time.Second):
			}
		}
		rec.add(msg.ChannelUID + ":" + msg.Text)
		if msg.Text == "b1" {
			close(otherDone)
		}
	}

	ctx := context.Background()
	q.Dispatch(ctx, nil, handler, inbound("a", "a1"))
	q.Dispatch(ctx, nil, handler, inbound("a", "a2"))
	q.Dispatch(ctx, nil, handler, inbound("b", "b1"))
	q.Wait()

	assert.Equal(t, []string{"b:b1", "a:a1", "a:a2"}, rec.snapshot())
}

func TestSenderQueueSeparatesChannels(t *testing.T) {
	q := NewSenderQueue()
	release := make(chan struct{})
	seen := make(chan string, 2)
	handler := func(_ context.Context, _ Channel, msg InboundMessage) {
		if msg.Channel == Telegram {
			<-release
		}
		seen <- string(msg.Channel)
	}

	ctx := context.Background()
	q.Dispatch(ctx, nil, handler, InboundMessage{Channel: Telegram, ChannelUID: "1", Text: "x"})
	q.Dispatch(ctx, nil, handler, InboundMessage{Channel: Discord, ChannelUID: "1", Text: "y"})

	select {
	case got := <-seen:
		assert.Equal(t, "discord", got, "same uid on another channel is another sender")
	case <-time.After(time.Second):
		t.Fatal("discord message blocked behind telegram")
	}
	close(release)
	q.Wait()
}

func TestSenderQueueDropsAfterCancel(t *testing.T) {
	q := NewSenderQueue()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	handler := func(_ context.Context, _ Channel, msg InboundMessage) {
		rec.add(msg.Text)
		cancel()
	}

	q.Dispatch(ctx, nil, handler, inbound("a", "first"))
	q.Dispatch(ctx, nil, handler, inbound("a", "second"))
	q.Wait()

	assert.Equal(t, []string{"first"}, rec.snapshot())
}
