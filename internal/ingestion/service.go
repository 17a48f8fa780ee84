// Package ingestion is the producer side of the pipeline: it stores uploaded
// blobs, records them and publishes the matching uploaded events.
package ingestion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/eventbus"
	"github.com/your-org/tileflow/internal/events"
	"github.com/your-org/tileflow/internal/status"
	"github.com/your-org/tileflow/internal/store"
)

var (
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrNoPreview        = errors.New("preview not available")
)

type Store interface {
	CreateDataset(ctx context.Context, ownerID, name string) (store.Dataset, error)
	GetDataset(ctx context.Context, id uuid.UUID) (store.Dataset, error)
	ListFiles(ctx context.Context, datasetID uuid.UUID) ([]store.File, error)
	CreateFile(ctx context.Context, nf store.NewFile) (store.File, store.DatasetTransition, error)
	GetFile(ctx context.Context, id uuid.UUID) (store.File, error)
	ResetFile(ctx context.Context, id uuid.UUID, staleBefore time.Time) (store.File, store.DatasetTransition, error)
	CreateAttachment(ctx context.Context, na store.NewAttachment) (store.Attachment, error)
	GetAttachment(ctx context.Context, id uuid.UUID) (store.Attachment, error)
	ListTags(ctx context.Context, attachmentID uuid.UUID) ([]store.Tag, error)
}

type Blobs interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (*url.URL, error)
}

type Publisher interface {
	PublishPayload(ctx context.Context, p events.Payload, opts ...eventbus.PublishOption) error
}

// Service wires together persistence, blob storage and the bus.
type Service struct {
	store      Store
	blobs      Blobs
	bus        Publisher
	presignTTL time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

type Params struct {
	Store      Store
	Blobs      Blobs
	Bus        Publisher
	PresignTTL time.Duration
	// StaleAfter lets Reprocess take over a file that has sat in processing
	// this long. Zero disables it.
	StaleAfter time.Duration
	Logger     *zap.Logger
}

func NewService(p Params) *Service {
	if p.PresignTTL <= 0 {
		p.PresignTTL = 15 * time.Minute
	}
	return &Service{
		store:      p.Store,
		blobs:      p.Blobs,
		bus:        p.Bus,
		presignTTL: p.PresignTTL,
		staleAfter: p.StaleAfter,
		logger:     p.Logger.Named("ingestion"),
	}
}

// UploadOptions describes the multipart part being stored.
type UploadOptions struct {
	Filename    string
	ContentType string
}

type UploadResult struct {
	File     store.File
	Dataset  status.DatasetStatus
	Checksum string
	Size     int64
}

type AttachmentResult struct {
	Attachment store.Attachment
	Checksum   string
	Size       int64
}

type DatasetView struct {
	Dataset store.Dataset
	Files   []store.File
}

type AttachmentView struct {
	Attachment store.Attachment
	Tags       []store.Tag
}

type Preview struct {
	URL       string
	ExpiresAt time.Time
}

func RawKey(datasetID, fileID uuid.UUID, filename string) string {
	return fmt.Sprintf("raw/%s/%s%s", datasetID, fileID, strings.ToLower(filepath.Ext(filename)))
}

func AttachmentKey(parentID, attachmentID uuid.UUID, filename string) string {
	return fmt.Sprintf("attachments/%s/%s%s", parentID, attachmentID, strings.ToLower(filepath.Ext(filename)))
}

func (s *Service) CreateDataset(ctx context.Context, ownerID, name string) (store.Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Dataset{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return s.store.CreateDataset(ctx, ownerID, name)
}

func (s *Service) GetDataset(ctx context.Context, ownerID string, id uuid.UUID) (DatasetView, error) {
	ds, err := s.ownedDataset(ctx, ownerID, id)
	if err != nil {
		return DatasetView{}, err
	}
	files, err := s.store.ListFiles(ctx, id)
	if err != nil {
		return DatasetView{}, err
	}
	return DatasetView{Dataset: ds, Files: files}, nil
}

// UploadFile streams a raster to the blob store, records it as uploaded and
// publishes artifact.uploaded keyed by the file id.
func (s *Service) UploadFile(ctx context.Context, ownerID string, datasetID uuid.UUID, reader io.Reader, size int64, opts UploadOptions) (*UploadResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid file size: %d", ErrInvalidInput, size)
	}
	if _, err := s.ownedDataset(ctx, ownerID, datasetID); err != nil {
		return nil, err
	}

	fileID := uuid.New()
	key := RawKey(datasetID, fileID, opts.Filename)
	checksum, err := s.put(ctx, key, reader, size, opts.ContentType)
	if err != nil {
		return nil, err
	}

	file, tr, err := s.store.CreateFile(ctx, store.NewFile{
		ID:        fileID,
		DatasetID: datasetID,
		Filename:  opts.Filename,
		SourceKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("record file: %w", err)
	}
	if err := s.publishArtifact(ctx, file); err != nil {
		return nil, err
	}
	s.logger.Info("raster uploaded",
		zap.String("file_id", file.ID.String()),
		zap.String("dataset_id", datasetID.String()),
		zap.String("checksum", checksum),
		zap.Int64("size_bytes", size),
	)
	return &UploadResult{File: file, Dataset: tr.To, Checksum: checksum, Size: size}, nil
}

// Reprocess queues a file again. Failed files, and processing files older than
// StaleAfter, are reset to uploaded first; a file still waiting in uploaded is
// only republished.
func (s *Service) Reprocess(ctx context.Context, ownerID string, fileID uuid.UUID) (store.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return store.File{}, err
	}
	if file.OwnerID != ownerID {
		return store.File{}, ErrForbidden
	}
	var staleBefore time.Time
	if s.staleAfter > 0 {
		staleBefore = time.Now().Add(-s.staleAfter)
	}
	switch {
	case file.Status == status.FileFailed || store.Stale(file, staleBefore):
		if file, _, err = s.store.ResetFile(ctx, fileID, staleBefore); err != nil {
			return store.File{}, err
		}
	case file.Status == status.FileUploaded:
	default:
		return store.File{}, fmt.Errorf("%w: file %s is %s", store.ErrInvalidTransition, fileID, file.Status)
	}
	if err := s.publishArtifact(ctx, file); err != nil {
		return store.File{}, err
	}
	return file, nil
}

func (s *Service) PreviewURL(ctx context.Context, ownerID string, fileID uuid.UUID) (Preview, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return Preview{}, err
	}
	if file.OwnerID != ownerID {
		return Preview{}, ErrForbidden
	}
	if file.PreviewKey == nil || *file.PreviewKey == "" {
		return Preview{}, ErrNoPreview
	}
	u, err := s.blobs.Presign(ctx, *file.PreviewKey, s.presignTTL)
	if err != nil {
		return Preview{}, fmt.Errorf("presign preview: %w", err)
	}
	return Preview{URL: u.String(), ExpiresAt: time.Now().UTC().Add(s.presignTTL)}, nil
}

// UploadAttachment stores a document under a dataset and queues it for
// tagging. Only text and PDF documents are accepted.
func (s *Service) UploadAttachment(ctx context.Context, ownerID string, parentID uuid.UUID, reader io.Reader, size int64, opts UploadOptions) (*AttachmentResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid file size: %d", ErrInvalidInput, size)
	}
	if !taggable(opts.ContentType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMedia, opts.ContentType)
	}
	if _, err := s.ownedDataset(ctx, ownerID, parentID); err != nil {
		return nil, err
	}

	id := uuid.New()
	key := AttachmentKey(parentID, id, opts.Filename)
	checksum, err := s.put(ctx, key, reader, size, opts.ContentType)
	if err != nil {
		return nil, err
	}
	att, err := s.store.CreateAttachment(ctx, store.NewAttachment{
		ID:          id,
		ParentID:    parentID,
		OwnerID:     ownerID,
		Filename:    opts.Filename,
		SourceKey:   key,
		ContentType: opts.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	err = s.bus.PublishPayload(ctx, events.AttachmentUploaded{
		AttachmentID: att.ID,
		ParentID:     att.ParentID,
		OwnerID:      att.OwnerID,
	}, eventbus.WithKey(att.ID.String()))
	if err != nil {
		return nil, fmt.Errorf("publish attachment.uploaded: %w", err)
	}
	return &AttachmentResult{Attachment: att, Checksum: checksum, Size: size}, nil
}

func (s *Service) GetAttachment(ctx context.Context, ownerID string, id uuid.UUID) (AttachmentView, error) {
	att, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return AttachmentView{}, err
	}
	if att.OwnerID != ownerID {
		return AttachmentView{}, ErrForbidden
	}
	tags, err := s.store.ListTags(ctx, id)
	if err != nil {
		return AttachmentView{}, err
	}
	return AttachmentView{Attachment: att, Tags: tags}, nil
}

func (s *Service) ownedDataset(ctx context.Context, ownerID string, id uuid.UUID) (store.Dataset, error) {
	ds, err := s.store.GetDataset(ctx, id)
	if err != nil {
		return store.Dataset{}, err
	}
	if ds.OwnerID != ownerID {
		return store.Dataset{}, ErrForbidden
	}
	return ds, nil
}

// put streams reader to key and returns the sha256 of what was written.
func (s *Service) put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	hasher := sha256.New()
	buffered := bufio.NewReaderSize(io.TeeReader(reader, hasher), 64*1024)
	if err := s.blobs.Put(ctx, key, buffered, size, contentType); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *Service) publishArtifact(ctx context.Context, file store.File) error {
	err := s.bus.PublishPayload(ctx, events.ArtifactUploaded{
		ArtifactID:    file.ID,
		ParentID:      file.DatasetID,
		OwnerID:       file.OwnerID,
		SourceLocator: file.SourceKey,
	}, eventbus.WithKey(file.ID.String()))
	if err != nil {
		return fmt.Errorf("publish artifact.uploaded: %w", err)
	}
	return nil
}

func taggable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") || mediaType == "application/pdf"
}
