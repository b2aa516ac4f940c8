package bus

import (
	"context"
	"log/slog"
)

// MessageBus is an in-process queue between transports and the dispatcher.
type MessageBus struct {
	inbound chan Inbound
}

func New(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MessageBus{inbound: make(chan Inbound, buffer)}
}

// PublishInbound enqueues ev, blocking while the queue is full.
func (b *MessageBus) PublishInbound(ev Inbound) {
	if ev.Key() == "" {
		slog.Warn("dropping empty inbound event")
		return
	}
	b.inbound <- ev
}

// ConsumeInbound returns the next event, or false once ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Inbound, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return Inbound{}, false
	}
}
