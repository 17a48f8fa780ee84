package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecodeArtifactUploaded(t *testing.T) {
	payload := ArtifactUploaded{
		ArtifactID:    uuid.New(),
		ParentID:      uuid.New(),
		OwnerID:       "user-1",
		SourceLocator: "ds/source/file.tif",
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	ev, err := New(payload, now)
	require.NoError(t, err)
	assert.Equal(t, NameArtifactUploaded, ev.Name)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	back, err := Unmarshal(raw)
	require.NoError(t, err)

	decoded, err := Decode(back)
	require.NoError(t, err)
	got, ok := decoded.(ArtifactUploaded)
	require.True(t, ok, "decoded %T", decoded)
	assert.Equal(t, payload, got)
}

func TestNewRejectsIncompletePayload(t *testing.T) {
	_, err := New(ProcessingCompleted{ParentID: uuid.New()}, time.Now())
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeUnknownName(t *testing.T) {
	_, err := Decode(Event{Name: "dataset.deleted", ID: uuid.New(), Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeMismatchedPayload(t *testing.T) {
	ev := Event{
		Name:    NameAttachmentUploaded,
		ID:      uuid.New(),
		Payload: json.RawMessage(`{"artifact_id":"not-a-uuid"}`),
	}
	_, err := Decode(ev)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestUnmarshalRejectsMissingEnvelopeFields(t *testing.T) {
	_, err := Unmarshal([]byte(`{"name":"artifact.uploaded"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Unmarshal([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}
