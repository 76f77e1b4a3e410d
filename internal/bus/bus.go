package bus

import "context"

type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound: make(chan InboundMessage, bufSize),
	}
}

// Publish blocks until msg is queued or ctx is done.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
