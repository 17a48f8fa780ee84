// Package events defines the domain events exchanged over the bus. Payloads
// form a closed set: every event name maps to exactly one payload type and
// Decode rejects anything else.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	NameArtifactUploaded    = "artifact.uploaded"
	NameAttachmentUploaded  = "attachment.uploaded"
	NameProcessingCompleted = "processing.completed"
)

var (
	ErrUnknownEvent   = errors.New("unknown event name")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Names lists every routing key the system produces.
func Names() []string {
	return []string{NameArtifactUploaded, NameAttachmentUploaded, NameProcessingCompleted}
}

// Event is the immutable wire envelope.
type Event struct {
	Name       string          `json:"name"`
	ID         uuid.UUID       `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Payload is implemented only by the types in this package.
type Payload interface {
	EventName() string
	validate() error
}

type ArtifactUploaded struct {
	ArtifactID    uuid.UUID `json:"artifact_id"`
	ParentID      uuid.UUID `json:"parent_id"`
	OwnerID       string    `json:"owner_id"`
	SourceLocator string    `json:"source_locator"`
}

func (ArtifactUploaded) EventName() string { return NameArtifactUploaded }

func (p ArtifactUploaded) validate() error {
	if p.ArtifactID == uuid.Nil || p.ParentID == uuid.Nil || p.OwnerID == "" || p.SourceLocator == "" {
		return fmt.Errorf("%w: artifact_id, parent_id, owner_id and source_locator are required", ErrInvalidPayload)
	}
	return nil
}

type AttachmentUploaded struct {
	AttachmentID uuid.UUID `json:"attachment_id"`
	ParentID     uuid.UUID `json:"parent_id"`
	OwnerID      string    `json:"owner_id"`
}

func (AttachmentUploaded) EventName() string { return NameAttachmentUploaded }

func (p AttachmentUploaded) validate() error {
	if p.AttachmentID == uuid.Nil || p.ParentID == uuid.Nil || p.OwnerID == "" {
		return fmt.Errorf("%w: attachment_id, parent_id and owner_id are required", ErrInvalidPayload)
	}
	return nil
}

type ProcessingCompleted struct {
	ParentID   uuid.UUID `json:"parent_id"`
	OwnerID    string    `json:"owner_id"`
	Status     string    `json:"status"`
	ArtifactID uuid.UUID `json:"artifact_id"`
}

func (ProcessingCompleted) EventName() string { return NameProcessingCompleted }

func (p ProcessingCompleted) validate() error {
	if p.ParentID == uuid.Nil || p.OwnerID == "" || p.Status == "" {
		return fmt.Errorf("%w: parent_id, owner_id and status are required", ErrInvalidPayload)
	}
	return nil
}

// New wraps p in a fresh envelope.
func New(p Payload, now time.Time) (Event, error) {
	if err := p.validate(); err != nil {
		return Event{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", p.EventName(), err)
	}
	return Event{
		Name:       p.EventName(),
		ID:         uuid.New(),
		OccurredAt: now.UTC(),
		Payload:    raw,
	}, nil
}

// Decode returns the typed payload carried by e.
func Decode(e Event) (Payload, error) {
	var p Payload
	switch e.Name {
	case NameArtifactUploaded:
		p = &ArtifactUploaded{}
	case NameAttachmentUploaded:
		p = &AttachmentUploaded{}
	case NameProcessingCompleted:
		p = &ProcessingCompleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Name)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, e.Name, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return deref(p), nil
}

// Unmarshal parses an envelope from its wire form.
func Unmarshal(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if e.Name == "" || e.ID == uuid.Nil {
		return Event{}, fmt.Errorf("%w: envelope missing name or id", ErrInvalidPayload)
	}
	return e, nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ArtifactUploaded:
		return *v
	case *AttachmentUploaded:
		return *v
	case *ProcessingCompleted:
		return *v
	default:
		return p
	}
}
