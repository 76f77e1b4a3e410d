package channel

import (
	"context"

	"github.com/stellarlinkco/taskrelay/internal/bus"
)

// Channel is a chat platform connection. Send returns the platform id of the
// posted message so later replies and reactions can be matched against it.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) (string, error)
}

// MemberDirectory is implemented by channels that can look up chat members.
type MemberDirectory interface {
	DisplayName(ctx context.Context, chatID, userID string) (string, error)
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether senderID may talk to the relay. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}
