package store

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/tileflow/internal/status"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Dataset struct {
	ID        uuid.UUID
	OwnerID   string
	Name      string
	Status    status.DatasetStatus
	ReadyAt   *time.Time
	CreatedAt time.Time
}

type File struct {
	ID           uuid.UUID
	DatasetID    uuid.UUID
	OwnerID      string
	Filename     string
	SourceKey    string
	Status       status.FileStatus
	ErrorMessage *string
	TileKey      *string
	PreviewKey   *string
	CenterLon    *float64
	CenterLat    *float64
	Width        *int
	Height       *int
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type NewFile struct {
	ID        uuid.UUID
	DatasetID uuid.UUID
	Filename  string
	SourceKey string
}

type Dimensions struct {
	Width  int
	Height int
}

type Coordinate struct {
	Lon float64
	Lat float64
}

// FileOutcome is the terminal result of one processing run.
type FileOutcome struct {
	FileID       uuid.UUID
	Status       status.FileStatus
	ErrorMessage string
	TileKey      string
	PreviewKey   string
	Center       *Coordinate
}

// DatasetTransition describes what a recompute did to the parent row.
type DatasetTransition struct {
	DatasetID uuid.UUID
	OwnerID   string
	From      status.DatasetStatus
	To        status.DatasetStatus
	ReadyAt   *time.Time
}

func (t DatasetTransition) Changed() bool {
	return t.From != t.To
}

// BecameReady reports the transition into the fully-ready state.
func (t DatasetTransition) BecameReady() bool {
	return t.To == status.DatasetReady && t.From != status.DatasetReady
}

// Claim is the result of taking a file for processing. Claimed is false when
// the file is already terminal and must not be touched.
type Claim struct {
	File    File
	Claimed bool
	Dataset DatasetTransition
}

type Attachment struct {
	ID           uuid.UUID
	ParentID     uuid.UUID
	OwnerID      string
	Filename     string
	SourceKey    string
	ContentType  string
	Status       status.FileStatus
	ErrorMessage *string
	TaggedAt     *time.Time
	CreatedAt    time.Time
}

type NewAttachment struct {
	ID          uuid.UUID
	ParentID    uuid.UUID
	OwnerID     string
	Filename    string
	SourceKey   string
	ContentType string
}

type Tag struct {
	Label string
	Score float64
}

type AttachmentOutcome struct {
	AttachmentID uuid.UUID
	Status       status.FileStatus
	ErrorMessage string
	Tags         []Tag
}
