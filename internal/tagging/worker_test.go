package tagging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/eventbus"
	"github.com/your-org/tileflow/internal/events"
	"github.com/your-org/tileflow/internal/pipeline"
	"github.com/your-org/tileflow/internal/realtime"
	"github.com/your-org/tileflow/internal/status"
	"github.com/your-org/tileflow/internal/store"
	"github.com/your-org/tileflow/pkg/storage/objectstore"
)

type memStore struct {
	mu          sync.Mutex
	attachments map[uuid.UUID]*store.Attachment
	tags        map[uuid.UUID][]store.Tag
}

func newMemStore() *memStore {
	return &memStore{attachments: map[uuid.UUID]*store.Attachment{}, tags: map[uuid.UUID][]store.Tag{}}
}

func (s *memStore) add(contentType string) store.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &store.Attachment{
		ID:          uuid.New(),
		ParentID:    uuid.New(),
		OwnerID:     "owner-1",
		SourceKey:   "attachments/doc.txt",
		ContentType: contentType,
		Status:      status.FileUploaded,
	}
	s.attachments[a.ID] = a
	return *a
}

func (s *memStore) ClaimAttachment(_ context.Context, id uuid.UUID) (store.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok {
		return store.Attachment{}, store.ErrNotFound
	}
	a.Status = status.FileProcessing
	a.ErrorMessage = nil
	return *a, nil
}

func (s *memStore) FinishAttachment(_ context.Context, out store.AttachmentOutcome) (store.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[out.AttachmentID]
	if !ok {
		return store.Attachment{}, store.ErrNotFound
	}
	a.Status = out.Status
	if out.Status == status.FileReady {
		s.tags[a.ID] = out.Tags
	} else {
		msg := out.ErrorMessage
		a.ErrorMessage = &msg
	}
	return *a, nil
}

type fakeBlobs struct {
	body string
	err  error
}

func (b fakeBlobs) Download(_ context.Context, _, dest string) error {
	if b.err != nil {
		return b.err
	}
	return os.WriteFile(dest, []byte(b.body), 0o644)
}

type fakeClassifier struct {
	labels []Label
	err    error
	calls  int
}

func (c *fakeClassifier) Classify(context.Context, string, int) ([]Label, error) {
	c.calls++
	return c.labels, c.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []realtime.AttachmentTagsMessage
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, msg any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg.(realtime.AttachmentTagsMessage))
	return nil
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Status)
	}
	return out
}

type fixture struct {
	store      *memStore
	blobs      *fakeBlobs
	classifier *fakeClassifier
	notifier   *recordingNotifier
	worker     *Worker
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:      newMemStore(),
		blobs:      &fakeBlobs{body: "flood extent along the river"},
		classifier: &fakeClassifier{},
		notifier:   &recordingNotifier{},
	}
	f.worker = NewWorker(Params{
		Store:      f.store,
		Blobs:      f.blobs,
		Extractor:  Extractor{},
		Classifier: f.classifier,
		Notifier:   f.notifier,
		Config:     Config{ScratchDir: t.TempDir(), MaxTags: 2},
		Logger:     zap.NewNop(),
	})
	return f
}

func uploaded(a store.Attachment) events.AttachmentUploaded {
	return events.AttachmentUploaded{AttachmentID: a.ID, ParentID: a.ParentID, OwnerID: a.OwnerID}
}

func TestTaggingStoresNormalizedTags(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("text/plain")
	f.classifier.labels = []Label{{"Flood", 0.7}, {"FLOOD", 0.9}, {"River", 0.5}, {"Bridge", 0.1}}

	require.NoError(t, f.worker.Process(context.Background(), uploaded(a)))

	assert.Equal(t, []store.Tag{{Label: "flood", Score: 0.9}, {Label: "river", Score: 0.5}}, f.store.tags[a.ID])
	assert.Equal(t, status.FileReady, f.store.attachments[a.ID].Status)
	assert.Equal(t, []string{"processing", "ready"}, f.notifier.statuses())
	last := f.notifier.msgs[len(f.notifier.msgs)-1]
	assert.Equal(t, realtime.TypeAttachmentTags, last.Type)
	assert.Equal(t, []realtime.TagView{{Label: "flood", Score: 0.9}, {Label: "river", Score: 0.5}}, last.Tags)
}

func TestTaggingRedeliveryReplacesTags(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("text/plain")
	f.classifier.labels = []Label{{"old", 0.5}}
	require.NoError(t, f.worker.Process(context.Background(), uploaded(a)))

	f.classifier.labels = []Label{{"new", 0.6}}
	require.NoError(t, f.worker.Process(context.Background(), uploaded(a)))

	assert.Equal(t, []store.Tag{{Label: "new", Score: 0.6}}, f.store.tags[a.ID])
	assert.Equal(t, 2, f.classifier.calls)
}

func TestTaggingEmptyTextSkipsClassifier(t *testing.T) {
	f := newFixture(t)
	f.blobs.body = "   \n"
	a := f.store.add("text/plain")

	require.NoError(t, f.worker.Process(context.Background(), uploaded(a)))
	assert.Zero(t, f.classifier.calls)
	assert.Equal(t, status.FileReady, f.store.attachments[a.ID].Status)
	assert.Empty(t, f.store.tags[a.ID])
}

func TestTaggingUnsupportedTypeFails(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("image/png")

	err := f.worker.Process(context.Background(), uploaded(a))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedContent)
	assert.ErrorIs(t, err, pipeline.ErrFatalStage)

	got := f.store.attachments[a.ID]
	assert.Equal(t, status.FileFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "extract")
	assert.Equal(t, []string{"processing", "failed"}, f.notifier.statuses())
}

func TestTaggingClassifierFailureFailsAttachment(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("text/plain")
	f.classifier.err = ErrCircuitOpen

	err := f.worker.Process(context.Background(), uploaded(a))
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, status.FileFailed, f.store.attachments[a.ID].Status)
}

func TestTaggingFetchFailure(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("text/plain")
	f.blobs.err = objectstore.ErrNotFound

	err := f.worker.Process(context.Background(), uploaded(a))
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrFetch)
	assert.Equal(t, status.FileFailed, f.store.attachments[a.ID].Status)
}

func TestTaggingUnknownAttachmentIsPoison(t *testing.T) {
	f := newFixture(t)
	err := f.worker.Process(context.Background(), events.AttachmentUploaded{AttachmentID: uuid.New(), ParentID: uuid.New()})
	assert.ErrorIs(t, err, pipeline.ErrPoison)
	assert.Empty(t, f.notifier.statuses())
}

func TestTaggingHandleRejectsWrongPayload(t *testing.T) {
	f := newFixture(t)
	body, err := json.Marshal(events.ArtifactUploaded{ArtifactID: uuid.New()})
	require.NoError(t, err)
	err = f.worker.Handle(context.Background(), eventbus.Delivery{
		Event:   events.Event{Name: events.NameArtifactUploaded, Payload: body},
		Payload: events.ArtifactUploaded{},
	})
	assert.ErrorIs(t, err, events.ErrUnknownEvent)
}

func TestTaggingTransientCommitIsRetried(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("text/plain")
	broken := &failingFinish{memStore: f.store, err: errors.New("conn reset")}
	f.worker.store = broken

	err := f.worker.Process(context.Background(), uploaded(a))
	require.ErrorIs(t, err, pipeline.ErrTransient)
	assert.Equal(t, status.FileProcessing, f.store.attachments[a.ID].Status)
}

// failingFinish fails FinishAttachment for every status, or only for only.
type failingFinish struct {
	*memStore
	err  error
	only status.FileStatus
}

func (s *failingFinish) FinishAttachment(ctx context.Context, out store.AttachmentOutcome) (store.Attachment, error) {
	if s.only == "" || out.Status == s.only {
		return store.Attachment{}, s.err
	}
	return s.memStore.FinishAttachment(ctx, out)
}

type queueReader struct {
	msgs      chan kafkago.Message
	mu        sync.Mutex
	committed int
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *queueReader) Close() error { return nil }

func (r *queueReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (p *topicRecorder) Publish(_ context.Context, topic string, _, _ []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *topicRecorder) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func TestTaggingExhaustedRetriesFailAttachment(t *testing.T) {
	f := newFixture(t)
	a := f.store.add("text/plain")
	f.classifier.labels = []Label{{"Flood", 0.9}}
	f.worker.store = &failingFinish{memStore: f.store, err: errors.New("conn reset"), only: status.FileReady}

	envelope, err := events.New(uploaded(a), time.Now())
	require.NoError(t, err)
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	reader := &queueReader{msgs: make(chan kafkago.Message, 1)}
	reader.msgs <- kafkago.Message{Topic: "tileflow." + events.NameAttachmentUploaded, Value: body}
	producer := &topicRecorder{}
	bus := eventbus.New(producer, func(string, []string) eventbus.Reader { return reader }, eventbus.Options{
		Exchange:     "tileflow",
		Attempts:     3,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, Queue, Binding, f.worker.Handle) }()
	require.Eventually(t, func() bool { return reader.commits() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"tileflow.dlx"}, producer.sent())
	assert.Equal(t, 3, f.classifier.calls)
	got := f.store.attachments[a.ID]
	assert.Equal(t, status.FileFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "conn reset")
	statuses := f.notifier.statuses()
	assert.Equal(t, "failed", statuses[len(statuses)-1])
}
