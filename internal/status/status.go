// Package status holds the lifecycle rules for files and datasets. Everything
// here is pure: dataset status is always recomputed from the current child
// statuses, never derived from an event sequence.
package status

import "time"

type FileStatus string

const (
	FileUploaded   FileStatus = "uploaded"
	FileProcessing FileStatus = "processing"
	FileReady      FileStatus = "ready"
	FileFailed     FileStatus = "failed"
)

// Terminal reports whether no worker may move the file any further.
func (s FileStatus) Terminal() bool {
	return s == FileReady || s == FileFailed
}

func (s FileStatus) Valid() bool {
	switch s {
	case FileUploaded, FileProcessing, FileReady, FileFailed:
		return true
	}
	return false
}

type DatasetStatus string

const (
	DatasetEmpty      DatasetStatus = "empty"
	DatasetUploading  DatasetStatus = "uploading"
	DatasetProcessing DatasetStatus = "processing"
	DatasetReady      DatasetStatus = "ready"
	DatasetFailed     DatasetStatus = "failed"
)

var fileTransitions = map[FileStatus]map[FileStatus]bool{
	FileUploaded: {
		FileProcessing: true,
	},
	FileProcessing: {
		// a redelivered event resumes a file left mid-pipeline by a crash
		FileProcessing: true,
		FileReady:      true,
		FileFailed:     true,
	},
	FileFailed: {
		// explicit reprocess only
		FileUploaded: true,
	},
}

// CanTransition reports whether a file may move from one status to another.
func CanTransition(from, to FileStatus) bool {
	return fileTransitions[from][to]
}

// ComputeDataset derives a dataset status from its files. Precedence:
// empty, failed, ready, processing, uploading.
func ComputeDataset(children []FileStatus) DatasetStatus {
	if len(children) == 0 {
		return DatasetEmpty
	}
	allReady := true
	anyProcessing := false
	for _, c := range children {
		switch c {
		case FileFailed:
			return DatasetFailed
		case FileProcessing:
			anyProcessing = true
		}
		if c != FileReady {
			allReady = false
		}
	}
	switch {
	case allReady:
		return DatasetReady
	case anyProcessing:
		return DatasetProcessing
	default:
		return DatasetUploading
	}
}

// Aggregate is the recomputable part of a dataset row.
type Aggregate struct {
	Status  DatasetStatus
	ReadyAt *time.Time
}

// Recompute applies ComputeDataset to prev. ReadyAt is stamped on the first
// transition into ready and kept afterwards.
func Recompute(prev Aggregate, children []FileStatus, now time.Time) Aggregate {
	next := Aggregate{Status: ComputeDataset(children), ReadyAt: prev.ReadyAt}
	if next.Status == DatasetReady && next.ReadyAt == nil {
		ts := now.UTC()
		next.ReadyAt = &ts
	}
	return next
}
