// Package processing turns uploaded rasters into tile packages. One Worker
// handles one artifact per call; run several bus channels for parallelism.
package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/eventbus"
	"github.com/your-org/tileflow/internal/events"
	"github.com/your-org/tileflow/internal/pipeline"
	"github.com/your-org/tileflow/internal/realtime"
	"github.com/your-org/tileflow/internal/status"
	"github.com/your-org/tileflow/internal/store"
)

const (
	Queue   = "tileflow.raster-processing"
	Binding = events.NameArtifactUploaded
)

type Store interface {
	ClaimFile(ctx context.Context, id uuid.UUID) (store.Claim, error)
	RecordDimensions(ctx context.Context, id uuid.UUID, d store.Dimensions) error
	FinishFile(ctx context.Context, out store.FileOutcome) (store.File, store.DatasetTransition, error)
}

type Blobs interface {
	Download(ctx context.Context, key, destPath string) error
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

type Publisher interface {
	PublishPayload(ctx context.Context, p events.Payload, opts ...eventbus.PublishOption) error
}

// Registrar is the optional tile-server registration step.
type Registrar interface {
	Register(ctx context.Context, sourceID, key string) (bool, error)
}

type Config struct {
	ScratchDir     string
	ConvertTimeout time.Duration
	PreviewWidth   int
}

type Worker struct {
	store     Store
	blobs     Blobs
	tools     Toolchain
	bus       Publisher
	notifier  realtime.Notifier
	registrar Registrar
	runner    *pipeline.Runner[job]
	cfg       Config
	logger    *zap.Logger
}

type Params struct {
	Store     Store
	Blobs     Blobs
	Toolchain Toolchain
	Bus       Publisher
	Notifier  realtime.Notifier
	Registrar Registrar
	Config    Config
	Logger    *zap.Logger
}

func NewWorker(p Params) *Worker {
	logger := p.Logger.Named("processing")
	if p.Config.PreviewWidth <= 0 {
		p.Config.PreviewWidth = 512
	}
	if p.Config.ScratchDir == "" {
		p.Config.ScratchDir = os.TempDir()
	}
	return &Worker{
		store:     p.Store,
		blobs:     p.Blobs,
		tools:     p.Toolchain,
		bus:       p.Bus,
		notifier:  p.Notifier,
		registrar: p.Registrar,
		runner:    pipeline.NewRunner[job]("raster", logger),
		cfg:       p.Config,
		logger:    logger,
	}
}

// TileKey and PreviewKey are deterministic so a repeated run overwrites the
// previous output.
func TileKey(datasetID, fileID uuid.UUID) string {
	return fmt.Sprintf("%s/tiles/%s.mbtiles", datasetID, fileID)
}

func PreviewKey(datasetID, fileID uuid.UUID) string {
	return fmt.Sprintf("%s/previews/%s.png", datasetID, fileID)
}

// job is the per-artifact state threaded through the stages.
type job struct {
	event   events.ArtifactUploaded
	file    store.File
	scratch *pipeline.Scratch

	sourcePath  string
	tilePath    string
	previewPath string
	center      *store.Coordinate

	tileKey    string
	previewKey string
}

// Handle is the bus handler for the raster-processing queue.
func (w *Worker) Handle(ctx context.Context, d eventbus.Delivery) error {
	ev, ok := d.Payload.(events.ArtifactUploaded)
	if !ok {
		return eventbus.Permanent(fmt.Errorf("%w: %s on %s", events.ErrUnknownEvent, d.Event.Name, Queue))
	}
	return w.process(ctx, ev, d.Final)
}

// Process runs the full pipeline for one artifact as a retryable attempt.
func (w *Worker) Process(ctx context.Context, ev events.ArtifactUploaded) error {
	return w.process(ctx, ev, false)
}

// process runs one attempt. On the final attempt a transient error fails the
// file.
func (w *Worker) process(ctx context.Context, ev events.ArtifactUploaded, final bool) error {
	logger := w.logger.With(
		zap.String("file_id", ev.ArtifactID.String()),
		zap.String("dataset_id", ev.ParentID.String()),
	)

	claim, err := w.store.ClaimFile(ctx, ev.ArtifactID)
	if errors.Is(err, store.ErrNotFound) {
		return eventbus.Permanent(pipeline.Wrap(pipeline.ErrPoison, "claim", "load file", err))
	}
	if err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "claim", "lock file", err)
	}
	if !claim.Claimed {
		logger.Info("file already terminal, skipping", zap.String("status", string(claim.File.Status)))
		return nil
	}
	w.notify(ctx, claim.File.OwnerID, realtime.DatasetStatus(claim.File.DatasetID, claim.File.ID, string(claim.Dataset.To), ""))

	j := &job{event: ev, file: claim.File}
	scratch, err := pipeline.NewScratch(w.cfg.ScratchDir, ev.ArtifactID.String())
	if err != nil {
		return w.settle(ctx, j, pipeline.Wrap(pipeline.ErrTransient, "fetch", "create scratch", err), final, logger)
	}
	defer func() {
		if err := scratch.Release(); err != nil {
			logger.Warn("release scratch", zap.Error(err))
		}
	}()
	j.scratch = scratch

	err = w.runner.Run(ctx, j,
		pipeline.Stage[job]{Name: "fetch", Run: w.fetch},
		pipeline.Stage[job]{Name: "inspect", Run: w.inspect},
		pipeline.Stage[job]{Name: "transform", Timeout: w.cfg.ConvertTimeout, Run: w.transform},
		pipeline.Stage[job]{Name: "enrich", BestEffort: true, Run: w.enrich},
		pipeline.Stage[job]{Name: "publish", Run: w.publish},
	)
	if err == nil {
		err = w.commit(ctx, j, logger)
	}
	return w.settle(ctx, j, err, final, logger)
}

// settle decides what an attempt's error means for the file.
func (w *Worker) settle(ctx context.Context, j *job, err error, final bool, logger *zap.Logger) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		// shutdown: the uncommitted delivery resumes from processing
		return err
	case errors.Is(err, pipeline.ErrTransient) && !final:
		return err
	default:
		return w.fail(ctx, j, err, logger)
	}
}

func (w *Worker) fetch(ctx context.Context, j *job) error {
	key := j.file.SourceKey
	if key == "" {
		key = j.event.SourceLocator
	}
	j.sourcePath = j.scratch.Path("source" + filepath.Ext(key))
	if err := w.blobs.Download(ctx, key, j.sourcePath); err != nil {
		return fmt.Errorf("%w: download %s: %w", pipeline.ErrFetch, key, err)
	}
	return nil
}

func (w *Worker) inspect(ctx context.Context, j *job) error {
	dims, err := w.tools.Inspect(ctx, j.sourcePath)
	if err != nil {
		return fmt.Errorf("read raster metadata: %w", err)
	}
	if err := w.store.RecordDimensions(ctx, j.file.ID, dims); err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "inspect", "record dimensions", err)
	}
	return nil
}

func (w *Worker) transform(ctx context.Context, j *job) error {
	j.tilePath = j.scratch.Path("tiles.mbtiles")
	if err := w.tools.Convert(ctx, j.sourcePath, j.tilePath); err != nil {
		return fmt.Errorf("convert to mbtiles: %w", err)
	}
	return nil
}

// enrich produces the optional outputs. Each is attempted independently.
func (w *Worker) enrich(ctx context.Context, j *job) error {
	var errs []error
	preview := j.scratch.Path("preview.png")
	if err := w.tools.Preview(ctx, j.tilePath, preview, w.cfg.PreviewWidth); err != nil {
		errs = append(errs, fmt.Errorf("preview: %w", err))
	} else {
		j.previewPath = preview
	}
	center, err := w.tools.Center(ctx, j.tilePath)
	if err != nil {
		errs = append(errs, fmt.Errorf("center: %w", err))
	} else {
		j.center = &center
	}
	if len(errs) > 0 {
		return pipeline.Wrap(pipeline.ErrBestEffort, "enrich", "", errors.Join(errs...))
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, j *job) error {
	tileKey := TileKey(j.file.DatasetID, j.file.ID)
	if err := w.putFile(ctx, tileKey, j.tilePath, "application/x-sqlite3"); err != nil {
		return fmt.Errorf("upload tiles: %w", err)
	}
	j.tileKey = tileKey

	if j.previewPath != "" {
		previewKey := PreviewKey(j.file.DatasetID, j.file.ID)
		if err := w.putFile(ctx, previewKey, j.previewPath, "image/png"); err != nil {
			return fmt.Errorf("upload preview: %w", err)
		}
		j.previewKey = previewKey
	}
	return nil
}

func (w *Worker) putFile(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	return w.blobs.Put(ctx, key, f, st.Size(), contentType)
}

// commit persists the ready outcome. Errors here are infrastructure errors:
// the bus retries them, and settle fails the file on the final delivery.
func (w *Worker) commit(ctx context.Context, j *job, logger *zap.Logger) error {
	file, tr, err := w.store.FinishFile(ctx, store.FileOutcome{
		FileID:     j.file.ID,
		Status:     status.FileReady,
		TileKey:    j.tileKey,
		PreviewKey: j.previewKey,
		Center:     j.center,
	})
	if err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "commit", "finish file", err)
	}
	logger.Info("file ready", zap.String("dataset_status", string(tr.To)))

	if tr.BecameReady() {
		w.publishCompleted(ctx, file, status.DatasetReady, logger)
	}
	w.notify(ctx, file.OwnerID, realtime.DatasetStatus(file.DatasetID, file.ID, string(tr.To), ""))

	if w.registrar != nil {
		if _, err := w.registrar.Register(ctx, file.ID.String(), j.tileKey); err != nil {
			logger.Warn("tile server registration failed", zap.Error(err))
		}
	}
	return nil
}

// fail records a fatal stage failure. The file becomes terminal here, so the
// completion event is emitted by exactly this call; a redelivery stops at the
// claim guard.
func (w *Worker) fail(ctx context.Context, j *job, cause error, logger *zap.Logger) error {
	msg := pipeline.Message(cause)
	logger.Error("processing failed", zap.Error(cause))

	file, tr, err := w.store.FinishFile(ctx, store.FileOutcome{
		FileID:       j.file.ID,
		Status:       status.FileFailed,
		ErrorMessage: msg,
	})
	if err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "commit", "record failure", errors.Join(err, cause))
	}
	w.publishCompleted(ctx, file, status.DatasetFailed, logger)
	w.notify(ctx, file.OwnerID, realtime.DatasetStatus(file.DatasetID, file.ID, string(tr.To), msg))
	return eventbus.Permanent(cause)
}

func (w *Worker) publishCompleted(ctx context.Context, file store.File, st status.DatasetStatus, logger *zap.Logger) {
	err := w.bus.PublishPayload(ctx, events.ProcessingCompleted{
		ParentID:   file.DatasetID,
		OwnerID:    file.OwnerID,
		Status:     string(st),
		ArtifactID: file.ID,
	}, eventbus.WithKey(file.DatasetID.String()))
	if err != nil {
		logger.Error("publish processing.completed", zap.String("status", string(st)), zap.Error(err))
	}
}

func (w *Worker) notify(ctx context.Context, ownerID string, msg realtime.DatasetStatusMessage) {
	if w.notifier == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	if err := w.notifier.Notify(ctx, ownerID, msg); err != nil {
		w.logger.Warn("notify owner", zap.String("owner_id", ownerID), zap.Error(err))
	}
}
