package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	KindAttachment = "attachment"
	KindTag        = "tag"

	RelationTaggedWith = "TAGGED_WITH"
)

var nodeNamespace = uuid.MustParse("6f1c2a4e-93b7-5d0a-8c3e-2b7f0d9a4c11")

// NodeKey derives the graph key for an entity. The same kind and id always
// map to the same key, so node upserts are idempotent.
func NodeKey(kind, id string) uuid.UUID {
	return uuid.NewSHA1(nodeNamespace, []byte(kind+":"+id))
}

func upsertNode(ctx context.Context, db DBTX, kind, label string, key uuid.UUID) error {
	_, err := db.Exec(ctx, `
		INSERT INTO graph_nodes (node_key, kind, label)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_key) DO UPDATE SET label = EXCLUDED.label
	`, key, kind, label)
	if err != nil {
		return fmt.Errorf("upsert %s node: %w", kind, err)
	}
	return nil
}

// replaceTags deletes the attachment's previous TAGGED_WITH edges and inserts
// the new set. Labels must already be normalized and unique.
func replaceTags(ctx context.Context, tx pgx.Tx, attachmentID uuid.UUID, tags []Tag) error {
	source := NodeKey(KindAttachment, attachmentID.String())
	if err := upsertNode(ctx, tx, KindAttachment, attachmentID.String(), source); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM graph_edges WHERE source_key = $1 AND relation = $2
	`, source, RelationTaggedWith); err != nil {
		return fmt.Errorf("delete previous tags: %w", err)
	}

	batch := &pgx.Batch{}
	for _, tag := range tags {
		target := NodeKey(KindTag, tag.Label)
		batch.Queue(`
			INSERT INTO graph_nodes (node_key, kind, label)
			VALUES ($1, $2, $3)
			ON CONFLICT (node_key) DO NOTHING
		`, target, KindTag, tag.Label)
		batch.Queue(`
			INSERT INTO graph_edges (source_key, target_key, relation, score)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source_key, target_key, relation) DO UPDATE SET score = EXCLUDED.score
		`, source, target, RelationTaggedWith, tag.Score)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert tags: %w", err)
	}
	return nil
}
