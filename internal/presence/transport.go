// Package presence defines the publish/subscribe presence channel contract the
// lock protocol is built on, plus an in-process implementation of it.
package presence

import (
	"context"
	"fmt"

	"github.com/vogiaan1904/actpresence/internal/models"
)

type EventType string

const (
	// EventSync fires whenever the channel snapshot may have changed.
	EventSync EventType = "sync"
	// EventJoin and EventLeave carry one key and the announcements that
	// appeared under it or disappeared from it.
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
	// EventBroadcast carries an ad-hoc event sent by another participant.
	EventBroadcast EventType = "broadcast"
	// EventReconnect fires when the connection was re-established and any
	// tracked state may have been lost by the transport.
	EventReconnect EventType = "reconnect"
)

type Event struct {
	Type          EventType
	Key           string
	Announcements []models.Announcement
	Name          string
	Payload       []byte
}

// Handler receives channel events. It may be called from transport goroutines
// and must not block.
type Handler func(Event)

// Transport joins named presence channels.
type Transport interface {
	// Join subscribes to topic and returns once the subscription is confirmed.
	Join(ctx context.Context, topic string, h Handler) (Channel, error)
}

// Channel is one joined presence topic.
type Channel interface {
	Topic() string
	// Track announces a under key, replacing any earlier announcement made
	// through this channel.
	Track(ctx context.Context, key string, a models.Announcement) error
	Untrack(ctx context.Context) error
	// PresenceState returns the current snapshot of all participants.
	PresenceState() models.PresenceState
	// Broadcast sends an ad-hoc event to the other participants.
	Broadcast(ctx context.Context, event string, payload []byte) error
	// Leave untracks and unsubscribes. The handler is not called afterwards.
	Leave(ctx context.Context) error
}

// Topic returns the channel name for a resource.
func Topic(prefix string, id models.ResourceID) string {
	if prefix == "" {
		return string(id)
	}
	return fmt.Sprintf("%s:%s", prefix, id)
}
