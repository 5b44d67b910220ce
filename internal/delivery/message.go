// Package delivery owns a conversation's outgoing user messages on the
// client: optimistic display, durable retry state and ordered redelivery.
package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownMessage   = errors.New("unknown message")
	ErrNotFailed        = errors.New("message is not in the failed state")
	ErrRetriesExhausted = errors.New("message exceeded its retry limit")
	ErrNotExhausted     = errors.New("message is not permanently failed")
	ErrClosed           = errors.New("delivery queue is closed")
)

// DefaultMaxRetries is the per-message manual and automatic retry ceiling.
const DefaultMaxRetries = 3

// Status is where a message is in its delivery lifecycle. A message is in
// exactly one status at a time.
type Status string

const (
	StatusPending           Status = "pending"
	StatusFailed            Status = "failed"
	StatusSent              Status = "sent"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Message is an outgoing user message. TempID stays the same across
// retries and is what the server deduplicates on.
type Message struct {
	TempID     string    `json:"tempId"`
	Text       string    `json:"text"`
	Images     []string  `json:"images,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	RetryCount int       `json:"retryCount"`
}

// FailedMessage is a message whose last attempt did not go through.
type FailedMessage struct {
	Message
	Error         string    `json:"error"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

// Snapshot is the durable part of a queue. Exhausted holds permanently
// failed messages until they are resent or discarded.
type Snapshot struct {
	Pending   []Message       `json:"pending"`
	Failed    []FailedMessage `json:"failed"`
	Exhausted []FailedMessage `json:"exhausted,omitempty"`
}

func (s Snapshot) Empty() bool {
	return len(s.Pending) == 0 && len(s.Failed) == 0 && len(s.Exhausted) == 0
}

// Entry is the view of one message as shown to the user.
type Entry struct {
	Message
	Status        Status    `json:"status"`
	PermanentID   string    `json:"permanentId,omitempty"`
	Error         string    `json:"error,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty"`
}

// Sender delivers one message and returns the id the server assigned.
type Sender interface {
	Send(ctx context.Context, conversationID string, m Message) (string, error)
}

// Store mirrors a conversation's pending and failed messages.
type Store interface {
	Load(ctx context.Context, conversationID string) (Snapshot, error)
	Save(ctx context.Context, conversationID string, s Snapshot) error
	Clear(ctx context.Context, conversationID string) error
}

func cloneMessage(m Message) Message {
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	return m
}
