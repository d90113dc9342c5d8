// Package events publishes gating session lifecycle events.
package events

import (
	"context"
	"time"
)

// Topics
const (
	TopicSessionCreated    = "gatebot.session.created"
	TopicSessionSuperseded = "gatebot.session.superseded"
	TopicSessionSatisfied  = "gatebot.session.satisfied"
	TopicSessionExpired    = "gatebot.session.expired"
	TopicSessionDelivered  = "gatebot.session.delivered"
	TopicContentIngested   = "gatebot.content.ingested"

	// TopicAll matches every gatebot subject.
	TopicAll = "gatebot.>"
)

// SessionEvent describes a session state change.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	ContentID int       `json:"content_id"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	Blocking  []int64   `json:"blocking,omitempty"`
	At        time.Time `json:"at"`
}

// DeliveryEvent is emitted once per session when the delivery guard finishes.
type DeliveryEvent struct {
	SessionID string    `json:"session_id,omitempty"`
	UserID    int64     `json:"user_id"`
	ContentID int       `json:"content_id"`
	ChannelID int64     `json:"channel_id"`
	Outcome   string    `json:"outcome"`
	AutoCheck bool      `json:"auto_check"`
	At        time.Time `json:"at"`
}

// ContentIngested is emitted when a source channel post is saved.
type ContentIngested struct {
	ChannelID int64     `json:"channel_id"`
	MessageID int       `json:"message_id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
