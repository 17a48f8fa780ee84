// Package tagging classifies text attachments and records their labels in
// the graph.
package tagging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

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
	Queue   = "tileflow.attachment-tagging"
	Binding = events.NameAttachmentUploaded
)

type Store interface {
	ClaimAttachment(ctx context.Context, id uuid.UUID) (store.Attachment, error)
	FinishAttachment(ctx context.Context, out store.AttachmentOutcome) (store.Attachment, error)
}

type Blobs interface {
	Download(ctx context.Context, key, destPath string) error
}

type TextExtractor interface {
	Extract(ctx context.Context, path, contentType string) (string, error)
}

type Config struct {
	ScratchDir string
	MaxTags    int
}

type Params struct {
	Store      Store
	Blobs      Blobs
	Extractor  TextExtractor
	Classifier Classifier
	Notifier   realtime.Notifier
	Config     Config
	Logger     *zap.Logger
}

// Worker runs the tagging pipeline. Tagging has no terminal guard: a
// redelivery reclassifies and replaces the attachment's tag set.
type Worker struct {
	store      Store
	blobs      Blobs
	extractor  TextExtractor
	classifier Classifier
	notifier   realtime.Notifier
	runner     *pipeline.Runner[job]
	cfg        Config
	logger     *zap.Logger
}

func NewWorker(p Params) *Worker {
	logger := p.Logger.Named("tagging")
	if p.Config.MaxTags <= 0 {
		p.Config.MaxTags = 10
	}
	return &Worker{
		store:      p.Store,
		blobs:      p.Blobs,
		extractor:  p.Extractor,
		classifier: p.Classifier,
		notifier:   p.Notifier,
		runner:     pipeline.NewRunner[job]("tagging", logger),
		cfg:        p.Config,
		logger:     logger,
	}
}

type job struct {
	attachment store.Attachment
	scratch    *pipeline.Scratch
	sourcePath string
	text       string
	tags       []store.Tag
}

func (w *Worker) Handle(ctx context.Context, d eventbus.Delivery) error {
	ev, ok := d.Payload.(events.AttachmentUploaded)
	if !ok {
		return eventbus.Permanent(fmt.Errorf("%w: %s on %s", events.ErrUnknownEvent, d.Event.Name, Queue))
	}
	return w.process(ctx, ev, d.Final)
}

// Process tags one attachment as a retryable attempt.
func (w *Worker) Process(ctx context.Context, ev events.AttachmentUploaded) error {
	return w.process(ctx, ev, false)
}

func (w *Worker) process(ctx context.Context, ev events.AttachmentUploaded, final bool) error {
	logger := w.logger.With(
		zap.String("attachment_id", ev.AttachmentID.String()),
		zap.String("parent_id", ev.ParentID.String()),
	)

	att, err := w.store.ClaimAttachment(ctx, ev.AttachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return eventbus.Permanent(pipeline.Wrap(pipeline.ErrPoison, "claim", "load attachment", err))
	}
	if err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "claim", "lock attachment", err)
	}
	w.notify(ctx, att, nil, "")

	j := &job{attachment: att}
	scratch, err := pipeline.NewScratch(w.cfg.ScratchDir, ev.AttachmentID.String())
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
		pipeline.Stage[job]{Name: "extract", Run: w.extract},
		pipeline.Stage[job]{Name: "classify", Run: w.classify},
	)
	if err == nil {
		err = w.commit(ctx, j, logger)
	}
	return w.settle(ctx, j, err, final, logger)
}

// settle fails the attachment unless a later delivery can still finish it.
func (w *Worker) settle(ctx context.Context, j *job, err error, final bool, logger *zap.Logger) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, pipeline.ErrTransient) && !final:
		return err
	default:
		return w.fail(ctx, j, err, logger)
	}
}

func (w *Worker) fetch(ctx context.Context, j *job) error {
	key := j.attachment.SourceKey
	j.sourcePath = j.scratch.Path("source" + filepath.Ext(key))
	if err := w.blobs.Download(ctx, key, j.sourcePath); err != nil {
		return fmt.Errorf("%w: download %s: %w", pipeline.ErrFetch, key, err)
	}
	return nil
}

func (w *Worker) extract(ctx context.Context, j *job) error {
	text, err := w.extractor.Extract(ctx, j.sourcePath, j.attachment.ContentType)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	j.text = text
	return nil
}

func (w *Worker) classify(ctx context.Context, j *job) error {
	if j.text == "" {
		j.tags = nil
		return nil
	}
	labels, err := w.classifier.Classify(ctx, j.text, w.cfg.MaxTags)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	j.tags = Normalize(labels, w.cfg.MaxTags)
	return nil
}

func (w *Worker) commit(ctx context.Context, j *job, logger *zap.Logger) error {
	att, err := w.store.FinishAttachment(ctx, store.AttachmentOutcome{
		AttachmentID: j.attachment.ID,
		Status:       status.FileReady,
		Tags:         j.tags,
	})
	if err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "commit", "store tags", err)
	}
	logger.Info("attachment tagged", zap.Int("tags", len(j.tags)))
	w.notify(ctx, att, j.tags, "")
	return nil
}

func (w *Worker) fail(ctx context.Context, j *job, cause error, logger *zap.Logger) error {
	msg := pipeline.Message(cause)
	logger.Error("tagging failed", zap.Error(cause))

	att, err := w.store.FinishAttachment(ctx, store.AttachmentOutcome{
		AttachmentID: j.attachment.ID,
		Status:       status.FileFailed,
		ErrorMessage: msg,
	})
	if err != nil {
		return pipeline.Wrap(pipeline.ErrTransient, "commit", "record failure", errors.Join(err, cause))
	}
	w.notify(ctx, att, nil, msg)
	return eventbus.Permanent(cause)
}

func (w *Worker) notify(ctx context.Context, att store.Attachment, tags []store.Tag, message string) {
	if w.notifier == nil || strings.TrimSpace(att.OwnerID) == "" {
		return
	}
	var views []realtime.TagView
	for _, t := range tags {
		views = append(views, realtime.TagView{Label: t.Label, Score: t.Score})
	}
	msg := realtime.AttachmentTags(att.ID, att.ParentID, string(att.Status), views, message)
	if err := w.notifier.Notify(ctx, att.OwnerID, msg); err != nil {
		w.logger.Warn("notify owner", zap.String("owner_id", att.OwnerID), zap.Error(err))
	}
}
