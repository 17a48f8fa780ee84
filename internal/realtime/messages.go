package realtime

import (
	"context"

	"github.com/google/uuid"
)

const (
	TypeDatasetStatus  = "dataset:status"
	TypeAttachmentTags = "attachment:tags"
)

// Close codes sent after the upgrade when the handshake cannot be
// authenticated.
const (
	CloseMissingToken = 4401
	CloseInvalidToken = 4403
)

// DatasetStatusMessage tells the owner that a dataset or one of its files
// changed. Clients treat it as a hint to re-query.
type DatasetStatusMessage struct {
	Type      string    `json:"type"`
	DatasetID uuid.UUID `json:"datasetId"`
	Status    string    `json:"status"`
	FileID    uuid.UUID `json:"fileId"`
	Message   string    `json:"message,omitempty"`
}

func DatasetStatus(datasetID, fileID uuid.UUID, status, message string) DatasetStatusMessage {
	return DatasetStatusMessage{
		Type:      TypeDatasetStatus,
		DatasetID: datasetID,
		Status:    status,
		FileID:    fileID,
		Message:   message,
	}
}

type TagView struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type AttachmentTagsMessage struct {
	Type         string    `json:"type"`
	AttachmentID uuid.UUID `json:"attachmentId"`
	ParentID     uuid.UUID `json:"parentId"`
	Status       string    `json:"status"`
	Tags         []TagView `json:"tags,omitempty"`
	Message      string    `json:"message,omitempty"`
}

func AttachmentTags(attachmentID, parentID uuid.UUID, status string, tags []TagView, message string) AttachmentTagsMessage {
	return AttachmentTagsMessage{
		Type:         TypeAttachmentTags,
		AttachmentID: attachmentID,
		ParentID:     parentID,
		Status:       status,
		Tags:         tags,
		Message:      message,
	}
}

// Notifier delivers a message to every live connection of an owner. Delivery
// is best effort; implementations report only local failures such as an
// unencodable message or an unreachable relay.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, msg any) error
}
