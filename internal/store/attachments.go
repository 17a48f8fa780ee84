package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/tileflow/internal/status"
)

func (s *Store) CreateAttachment(ctx context.Context, na NewAttachment) (Attachment, error) {
	if na.ID == uuid.Nil {
		na.ID = uuid.New()
	}
	now := s.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attachments (id, parent_id, owner_id, filename, source_key, content_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, na.ID, na.ParentID, na.OwnerID, na.Filename, na.SourceKey, na.ContentType, status.FileUploaded, now)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return Attachment{
		ID:          na.ID,
		ParentID:    na.ParentID,
		OwnerID:     na.OwnerID,
		Filename:    na.Filename,
		SourceKey:   na.SourceKey,
		ContentType: na.ContentType,
		Status:      status.FileUploaded,
		CreatedAt:   now,
	}, nil
}

func (s *Store) GetAttachment(ctx context.Context, id uuid.UUID) (Attachment, error) {
	return getAttachment(ctx, s.pool, id, false)
}

// ClaimAttachment marks the attachment processing regardless of its current
// status. Tagging is re-runnable: a redelivery recomputes the tag set.
func (s *Store) ClaimAttachment(ctx context.Context, id uuid.UUID) (Attachment, error) {
	var att Attachment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if att, err = getAttachment(ctx, tx, id, true); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE attachments
			SET status = $2, error_message = NULL, updated_at = $3
			WHERE id = $1
		`, id, status.FileProcessing, s.now()); err != nil {
			return fmt.Errorf("mark attachment processing: %w", err)
		}
		att.Status = status.FileProcessing
		att.ErrorMessage = nil
		return nil
	})
	return att, err
}

// FinishAttachment writes the terminal outcome. On ready the attachment's
// TAGGED_WITH edges are replaced by out.Tags in the same transaction.
func (s *Store) FinishAttachment(ctx context.Context, out AttachmentOutcome) (Attachment, error) {
	if !out.Status.Terminal() {
		return Attachment{}, fmt.Errorf("%w: outcome status %s is not terminal", ErrInvalidTransition, out.Status)
	}
	var att Attachment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := getAttachment(ctx, tx, out.AttachmentID, true); err != nil {
			return err
		}
		now := s.now()
		var taggedAt any
		if out.Status == status.FileReady {
			if err := replaceTags(ctx, tx, out.AttachmentID, out.Tags); err != nil {
				return err
			}
			taggedAt = now
		}
		if _, err := tx.Exec(ctx, `
			UPDATE attachments
			SET status = $2, error_message = $3, tagged_at = COALESCE($4, tagged_at), updated_at = $5
			WHERE id = $1
		`, out.AttachmentID, out.Status, nullable(out.ErrorMessage), taggedAt, now); err != nil {
			return fmt.Errorf("finish attachment: %w", err)
		}
		var err error
		att, err = getAttachment(ctx, tx, out.AttachmentID, false)
		return err
	})
	return att, err
}

// ListTags returns the attachment's current tags, highest score first.
func (s *Store) ListTags(ctx context.Context, attachmentID uuid.UUID) ([]Tag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.label, e.score
		FROM graph_edges e
		JOIN graph_nodes n ON n.node_key = e.target_key
		WHERE e.source_key = $1 AND e.relation = $2
		ORDER BY e.score DESC, n.label
	`, NodeKey(KindAttachment, attachmentID.String()), RelationTaggedWith)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	tags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Tag, error) {
		var t Tag
		err := row.Scan(&t.Label, &t.Score)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tags: %w", err)
	}
	return tags, nil
}

func getAttachment(ctx context.Context, db DBTX, id uuid.UUID, forUpdate bool) (Attachment, error) {
	query := `
		SELECT id, parent_id, owner_id, filename, source_key, content_type, status, error_message, tagged_at, created_at
		FROM attachments
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var a Attachment
	err := db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.ParentID, &a.OwnerID, &a.Filename, &a.SourceKey, &a.ContentType,
		&a.Status, &a.ErrorMessage, &a.TaggedAt, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attachment{}, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("load attachment: %w", err)
	}
	return a, nil
}
