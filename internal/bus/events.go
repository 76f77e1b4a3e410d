package bus

import (
	"time"
)

// EventKind distinguishes chat messages from reactions on earlier messages.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindReaction EventKind = "reaction"
)

// Reference points at an earlier message in the same chat.
type Reference struct {
	MessageID string
	Content   string
}

type InboundMessage struct {
	Kind       EventKind
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	// MessageID is the message itself, or for a reaction the message that was reacted to.
	MessageID string
	// Content is the message text, or for a reaction the reacted message's text.
	Content   string
	Reaction  string
	ReplyTo   *Reference
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Title   string
	Content string
	ReplyTo string
	// Actions are rendered as buttons; pressing one comes back as a reaction carrying its label.
	Actions  []string
	Metadata map[string]any
}
