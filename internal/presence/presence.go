// Package presence fans collaboration events out to everyone watching a note.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps one event published on a note channel.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	NoteID  string          `json:"noteId"`
	Origin  string          `json:"origin,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, noteID, origin string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		NoteID:  noteID,
		Origin:  origin,
		At:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

type Subscription interface {
	C() <-chan Envelope
	Close()
}

type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, noteID string) (Subscription, error)
	Close() error
}

// Channel is the pub/sub channel used for a note.
func Channel(noteID string) string {
	return "collab:note:" + noteID
}
