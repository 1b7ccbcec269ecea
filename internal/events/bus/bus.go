// Package bus carries session and agent events between sessionhub and its
// listeners, either in process or over NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/sessionhub/internal/common/constants"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// Event is one message on the bus. UserID names the tenant the event belongs
// to and is empty for process-wide events.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent stamps a new event for userID with a fresh ID and the current time.
func NewEvent(eventType, userID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    constants.EventSource,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func encodeEvent(e *Event) ([]byte, error) {
	if e == nil || e.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	return json.Marshal(e)
}

func decodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event %q has no type", e.ID)
	}
	return &e, nil
}

// EventHandler consumes one event. A returned error is logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live interest in a subject pattern.
type Subscription interface {
	Subject() string
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events to subjects and fans them out to subscribers.
// Subjects are dot-separated tokens; subscriptions may use "*" for one token
// and a trailing ">" for one or more tokens.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(pattern string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
