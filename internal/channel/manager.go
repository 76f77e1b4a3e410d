package channel

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/stellarlinkco/taskrelay/internal/bus"
	"github.com/stellarlinkco/taskrelay/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// Register adds ch, replacing any channel with the same name.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
}

// Send posts msg on the channel it names and returns the platform message id.
func (m *ChannelManager) Send(msg bus.OutboundMessage) (string, error) {
	ch, ok := m.channels[msg.Channel]
	if !ok {
		return "", fmt.Errorf("unknown channel %q", msg.Channel)
	}
	id, err := ch.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", msg.Channel, err)
	}
	return id, nil
}

// DisplayName resolves a member's name through channels that keep a member directory.
func (m *ChannelManager) DisplayName(ctx context.Context, channel, chatID, userID string) (string, error) {
	ch, ok := m.channels[channel]
	if !ok {
		return "", fmt.Errorf("unknown channel %q", channel)
	}
	dir, ok := ch.(MemberDirectory)
	if !ok {
		return "", fmt.Errorf("channel %s cannot resolve members", channel)
	}
	return dir.DisplayName(ctx, chatID, userID)
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Printf("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
