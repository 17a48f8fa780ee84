package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allFileStatuses = []FileStatus{FileUploaded, FileProcessing, FileReady, FileFailed}

// every sequence of length 0..4 over the file statuses
func sequences(max int) [][]FileStatus {
	out := [][]FileStatus{{}}
	frontier := [][]FileStatus{{}}
	for n := 1; n <= max; n++ {
		var next [][]FileStatus
		for _, prefix := range frontier {
			for _, s := range allFileStatuses {
				seq := append(append([]FileStatus{}, prefix...), s)
				next = append(next, seq)
			}
		}
		out = append(out, next...)
		frontier = next
	}
	return out
}

func reversed(in []FileStatus) []FileStatus {
	out := make([]FileStatus, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func contains(in []FileStatus, want FileStatus) bool {
	for _, s := range in {
		if s == want {
			return true
		}
	}
	return false
}

func TestComputeDatasetTable(t *testing.T) {
	cases := []struct {
		name     string
		children []FileStatus
		want     DatasetStatus
	}{
		{"no children", nil, DatasetEmpty},
		{"single uploaded", []FileStatus{FileUploaded}, DatasetUploading},
		{"single processing", []FileStatus{FileProcessing}, DatasetProcessing},
		{"all ready", []FileStatus{FileReady, FileReady}, DatasetReady},
		{"ready and pending", []FileStatus{FileReady, FileUploaded}, DatasetUploading},
		{"ready and processing", []FileStatus{FileReady, FileProcessing}, DatasetProcessing},
		{"failed beats processing", []FileStatus{FileProcessing, FileFailed}, DatasetFailed},
		{"failed beats ready", []FileStatus{FileReady, FileReady, FileFailed}, DatasetFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeDataset(tc.children))
		})
	}
}

func TestComputeDatasetIsOrderIndependent(t *testing.T) {
	for _, seq := range sequences(4) {
		assert.Equal(t, ComputeDataset(seq), ComputeDataset(reversed(seq)), "%v", seq)
	}
}

func TestAnyFailedChildFailsDataset(t *testing.T) {
	for _, seq := range sequences(4) {
		if contains(seq, FileFailed) {
			assert.Equal(t, DatasetFailed, ComputeDataset(seq), "%v", seq)
		}
	}
}

func TestReadyIffAllReadyAndNonEmpty(t *testing.T) {
	for _, seq := range sequences(4) {
		allReady := len(seq) > 0
		for _, s := range seq {
			if s != FileReady {
				allReady = false
			}
		}
		assert.Equal(t, allReady, ComputeDataset(seq) == DatasetReady, "%v", seq)
	}
}

func TestRecomputeStampsReadyAtOnce(t *testing.T) {
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := first.Add(time.Hour)

	agg := Recompute(Aggregate{Status: DatasetProcessing}, []FileStatus{FileReady}, first)
	require.Equal(t, DatasetReady, agg.Status)
	require.NotNil(t, agg.ReadyAt)
	assert.Equal(t, first, *agg.ReadyAt)

	// a later failure and recovery keeps the original stamp
	agg = Recompute(agg, []FileStatus{FileReady, FileFailed}, later)
	assert.Equal(t, DatasetFailed, agg.Status)
	agg = Recompute(agg, []FileStatus{FileReady, FileReady}, later)
	assert.Equal(t, DatasetReady, agg.Status)
	assert.Equal(t, first, *agg.ReadyAt)
}

func TestRecomputeDoesNotStampWhenNotReady(t *testing.T) {
	agg := Recompute(Aggregate{Status: DatasetEmpty}, []FileStatus{FileUploaded}, time.Now())
	assert.Equal(t, DatasetUploading, agg.Status)
	assert.Nil(t, agg.ReadyAt)
}

func TestFileTransitions(t *testing.T) {
	assert.True(t, CanTransition(FileUploaded, FileProcessing))
	assert.True(t, CanTransition(FileProcessing, FileReady))
	assert.True(t, CanTransition(FileProcessing, FileFailed))
	assert.True(t, CanTransition(FileFailed, FileUploaded))

	assert.False(t, CanTransition(FileUploaded, FileReady), "no transition skips processing")
	assert.False(t, CanTransition(FileUploaded, FileFailed), "no transition skips processing")
	assert.False(t, CanTransition(FileReady, FileProcessing))
	assert.False(t, CanTransition(FileFailed, FileProcessing))
	assert.False(t, CanTransition(FileReady, FileUploaded))
}

func TestTerminal(t *testing.T) {
	assert.True(t, FileReady.Terminal())
	assert.True(t, FileFailed.Terminal())
	assert.False(t, FileUploaded.Terminal())
	assert.False(t, FileProcessing.Terminal())
	assert.False(t, FileStatus("bogus").Valid())
}
