// Package envelope defines the canonical representation of a chat message
// exchanged between an extension officer and a farmer contact, plus the
// delivery-state machine outbound messages move through.
package envelope

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleOfficer Role = "officer"
	RoleContact Role = "contact"
	RoleSystem  Role = "system"
)

// DeliveryState tracks an outbound message through the send pipeline.
// Only outbound messages carry a meaningful state.
type DeliveryState string

const (
	StatePending DeliveryState = "pending"
	StateSent    DeliveryState = "sent"
	StateAcked   DeliveryState = "acked"
	StateFailed  DeliveryState = "failed"
)

// validAdvances defines the allowed delivery-state transitions. States only
// move forward; acked and failed are terminal.
var validAdvances = map[DeliveryState][]DeliveryState{
	StatePending: {StateSent, StateFailed},
	StateSent:    {StateAcked, StateFailed},
	StateAcked:   {},
	StateFailed:  {},
}

// CanAdvance reports whether the state may move to next.
func (s DeliveryState) CanAdvance(next DeliveryState) bool {
	return slices.Contains(validAdvances[s], next)
}

// Attachment references one media item carried by a message.
type Attachment struct {
	MediaID  string `json:"media_id"`
	Kind     string `json:"kind"` // image, audio, document
	MimeType string `json:"mime_type"`
	Path     string `json:"path"`
}

// Envelope is one chat message, inbound or outbound, with its metadata.
// Context carries conversational context lines attached to the message;
// TransformationLog records each revision of the body, oldest first, and
// always starts with the body as originally composed.
type Envelope struct {
	MessageID         string        `json:"message_id"`
	ChatSessionID     string        `json:"chat_session_id"`
	SenderRole        Role          `json:"sender_role"`
	Body              string        `json:"body"`
	Media             []Attachment  `json:"media"`
	Context           []string      `json:"context"`
	TransformationLog []string      `json:"transformation_log"`
	CreatedAt         time.Time     `json:"created_at"`
	DeliveryState     DeliveryState `json:"delivery_state,omitempty"`
}

var (
	// ErrNoChatSession is returned when a message has no conversation to belong to.
	ErrNoChatSession = errors.New("envelope: chat session id is required")

	// ErrEmptyMessage is returned when a message carries neither text nor media.
	ErrEmptyMessage = errors.New("envelope: body is empty and no media attached")
)

// New builds a validated envelope with a client-generated message id.
// Optional fields default so the wire format never carries null: media and
// context to empty slices, the transformation log to the original body.
func New(chatSessionID string, role Role, body string, media []Attachment) (*Envelope, error) {
	if chatSessionID == "" {
		return nil, ErrNoChatSession
	}
	switch role {
	case RoleOfficer, RoleContact, RoleSystem:
	default:
		return nil, fmt.Errorf("envelope: invalid sender role %q", role)
	}
	if body == "" && len(media) == 0 {
		return nil, ErrEmptyMessage
	}
	if media == nil {
		media = []Attachment{}
	}
	return &Envelope{
		MessageID:         uuid.New().String(),
		ChatSessionID:     chatSessionID,
		SenderRole:        role,
		Body:              body,
		Media:             media,
		Context:           []string{},
		TransformationLog: []string{body},
		CreatedAt:         time.Now().UTC(),
		DeliveryState:     StatePending,
	}, nil
}
