// Package store persists datasets, files, attachments and the tag graph in
// PostgreSQL. Every write that changes a file status recomputes the parent
// dataset inside the same transaction while holding the dataset row lock, so
// sibling files finishing concurrently cannot lose each other's update.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/tileflow/internal/status"
)

//go:embed schema.sql
var schema string

// DBTX is satisfied by both the pool and a transaction.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) CreateDataset(ctx context.Context, ownerID, name string) (Dataset, error) {
	ds := Dataset{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		Status:    status.DatasetEmpty,
		CreatedAt: s.now(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datasets (id, owner_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, ds.ID, ds.OwnerID, ds.Name, ds.Status, ds.CreatedAt)
	if err != nil {
		return Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	return ds, nil
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (Dataset, error) {
	var ds Dataset
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, status, ready_at, created_at
		FROM datasets
		WHERE id = $1
	`, id).Scan(&ds.ID, &ds.OwnerID, &ds.Name, &ds.Status, &ds.ReadyAt, &ds.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dataset{}, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	return ds, err
}

// CreateFile inserts an uploaded file and recomputes its dataset.
func (s *Store) CreateFile(ctx context.Context, nf NewFile) (File, DatasetTransition, error) {
	if nf.ID == uuid.Nil {
		nf.ID = uuid.New()
	}
	var (
		file File
		tr   DatasetTransition
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := s.now()
		if _, err := tx.Exec(ctx, `
			INSERT INTO dataset_files (id, dataset_id, filename, source_key, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
		`, nf.ID, nf.DatasetID, nf.Filename, nf.SourceKey, status.FileUploaded, now); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		var err error
		if tr, err = s.recomputeDataset(ctx, tx, nf.DatasetID); err != nil {
			return err
		}
		file, err = getFile(ctx, tx, nf.ID, false)
		return err
	})
	return file, tr, err
}

func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (File, error) {
	return getFile(ctx, s.pool, id, false)
}

// ListFiles returns the files of a dataset in upload order.
func (s *Store) ListFiles(ctx context.Context, datasetID uuid.UUID) ([]File, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+fileColumns+`
		FROM dataset_files f
		JOIN datasets d ON d.id = f.dataset_id
		WHERE f.dataset_id = $1
		ORDER BY f.created_at, f.id`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	files, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (File, error) {
		return scanFile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan files: %w", err)
	}
	return files, nil
}

// ClaimFile moves a file into processing. Terminal files are returned
// untouched with Claimed=false.
func (s *Store) ClaimFile(ctx context.Context, id uuid.UUID) (Claim, error) {
	var claim Claim
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		file, err := getFile(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if file.Status.Terminal() {
			claim = Claim{File: file}
			return nil
		}
		if !status.CanTransition(file.Status, status.FileProcessing) {
			return fmt.Errorf("%w: file %s %s -> %s", ErrInvalidTransition, id, file.Status, status.FileProcessing)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dataset_files
			SET status = $2, error_message = NULL, updated_at = $3
			WHERE id = $1
		`, id, status.FileProcessing, s.now()); err != nil {
			return fmt.Errorf("mark file processing: %w", err)
		}
		file.Status = status.FileProcessing
		file.ErrorMessage = nil
		tr, err := s.recomputeDataset(ctx, tx, file.DatasetID)
		if err != nil {
			return err
		}
		claim = Claim{File: file, Claimed: true, Dataset: tr}
		return nil
	})
	return claim, err
}

// RecordDimensions stores inspection output ahead of the later stages.
func (s *Store) RecordDimensions(ctx context.Context, id uuid.UUID, d Dimensions) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dataset_files
		SET width = $2, height = $3, updated_at = $4
		WHERE id = $1
	`, id, d.Width, d.Height, s.now())
	if err != nil {
		return fmt.Errorf("record dimensions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishFile writes the terminal outcome and recomputes the dataset.
func (s *Store) FinishFile(ctx context.Context, out FileOutcome) (File, DatasetTransition, error) {
	if !out.Status.Terminal() {
		return File{}, DatasetTransition{}, fmt.Errorf("%w: outcome status %s is not terminal", ErrInvalidTransition, out.Status)
	}
	var (
		file File
		tr   DatasetTransition
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := getFile(ctx, tx, out.FileID, true)
		if err != nil {
			return err
		}
		if !status.CanTransition(current.Status, out.Status) {
			return fmt.Errorf("%w: file %s %s -> %s", ErrInvalidTransition, out.FileID, current.Status, out.Status)
		}
		now := s.now()
		var lon, lat *float64
		if out.Center != nil {
			lon, lat = &out.Center.Lon, &out.Center.Lat
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dataset_files
			SET status = $2,
				error_message = $3,
				tile_key = $4,
				preview_key = $5,
				center_lon = $6,
				center_lat = $7,
				processed_at = $8,
				updated_at = $8
			WHERE id = $1
		`, out.FileID, out.Status, nullable(out.ErrorMessage), nullable(out.TileKey), nullable(out.PreviewKey), lon, lat, now); err != nil {
			return fmt.Errorf("finish file: %w", err)
		}
		if tr, err = s.recomputeDataset(ctx, tx, current.DatasetID); err != nil {
			return err
		}
		file, err = getFile(ctx, tx, out.FileID, false)
		return err
	})
	return file, tr, err
}

// ResetFile returns a failed file to uploaded so it can be processed again.
// A processing file last touched before staleBefore is reset too; a zero
// staleBefore leaves processing files alone.
func (s *Store) ResetFile(ctx context.Context, id uuid.UUID, staleBefore time.Time) (File, DatasetTransition, error) {
	var (
		file File
		tr   DatasetTransition
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := getFile(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !status.CanTransition(current.Status, status.FileUploaded) && !Stale(current, staleBefore) {
			return fmt.Errorf("%w: file %s %s -> %s", ErrInvalidTransition, id, current.Status, status.FileUploaded)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dataset_files
			SET status = $2, error_message = NULL, tile_key = NULL, preview_key = NULL,
				center_lon = NULL, center_lat = NULL, processed_at = NULL, updated_at = $3
			WHERE id = $1
		`, id, status.FileUploaded, s.now()); err != nil {
			return fmt.Errorf("reset file: %w", err)
		}
		if tr, err = s.recomputeDataset(ctx, tx, current.DatasetID); err != nil {
			return err
		}
		file, err = getFile(ctx, tx, id, false)
		return err
	})
	return file, tr, err
}

// Stale reports whether f is stuck in processing since before cutoff.
func Stale(f File, cutoff time.Time) bool {
	return f.Status == status.FileProcessing && !cutoff.IsZero() && f.UpdatedAt.Before(cutoff)
}

// recomputeDataset is the only writer of datasets.status after creation.
func (s *Store) recomputeDataset(ctx context.Context, tx pgx.Tx, datasetID uuid.UUID) (DatasetTransition, error) {
	tr := DatasetTransition{DatasetID: datasetID}
	var prev status.Aggregate
	err := tx.QueryRow(ctx, `
		SELECT owner_id, status, ready_at
		FROM datasets
		WHERE id = $1
		FOR UPDATE
	`, datasetID).Scan(&tr.OwnerID, &prev.Status, &prev.ReadyAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tr, fmt.Errorf("dataset %s: %w", datasetID, ErrNotFound)
	}
	if err != nil {
		return tr, fmt.Errorf("lock dataset: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT status FROM dataset_files WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return tr, fmt.Errorf("load file statuses: %w", err)
	}
	children, err := pgx.CollectRows(rows, pgx.RowTo[status.FileStatus])
	if err != nil {
		return tr, fmt.Errorf("scan file statuses: %w", err)
	}

	next := status.Recompute(prev, children, s.now())
	tr.From, tr.To, tr.ReadyAt = prev.Status, next.Status, next.ReadyAt
	if next.Status == prev.Status && sameTime(next.ReadyAt, prev.ReadyAt) {
		return tr, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE datasets
		SET status = $2, ready_at = $3, updated_at = $4
		WHERE id = $1
	`, datasetID, next.Status, next.ReadyAt, s.now()); err != nil {
		return tr, fmt.Errorf("update dataset status: %w", err)
	}
	return tr, nil
}

const fileColumns = `f.id, f.dataset_id, d.owner_id, f.filename, f.source_key, f.status, f.error_message,
	f.tile_key, f.preview_key, f.center_lon, f.center_lat, f.width, f.height, f.processed_at,
	f.created_at, f.updated_at`

func getFile(ctx context.Context, db DBTX, id uuid.UUID, forUpdate bool) (File, error) {
	query := `SELECT ` + fileColumns + `
		FROM dataset_files f
		JOIN datasets d ON d.id = f.dataset_id
		WHERE f.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF f`
	}
	f, err := scanFile(db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return File{}, fmt.Errorf("load file: %w", err)
	}
	return f, nil
}

func scanFile(row pgx.Row) (File, error) {
	var f File
	err := row.Scan(
		&f.ID, &f.DatasetID, &f.OwnerID, &f.Filename, &f.SourceKey, &f.Status, &f.ErrorMessage,
		&f.TileKey, &f.PreviewKey, &f.CenterLon, &f.CenterLat, &f.Width, &f.Height, &f.ProcessedAt,
		&f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
