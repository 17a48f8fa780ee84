package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Markers classify pipeline failures. Wrap attaches one of them so callers
// can branch with errors.Is.
var (
	ErrTransient  = errors.New("transient infrastructure failure")
	ErrFatalStage = errors.New("fatal stage failure")
	ErrBestEffort = errors.New("best-effort stage failure")
	ErrPoison     = errors.New("poison message")
)

// Stage-specific causes.
var (
	ErrFetch   = errors.New("fetch failed")
	ErrTimeout = errors.New("stage timed out")
)

// Wrap builds an error carrying marker, the stage and operation names, and
// the underlying cause.
func Wrap(marker error, stage, operation string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	detail := buildDetail(stage, operation)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Fatal marks err as a fatal failure of stage.
func Fatal(stage string, err error) error {
	if errors.Is(err, ErrFatalStage) {
		return err
	}
	return Wrap(ErrFatalStage, stage, "", err)
}

// Message renders err for the user-facing error column: the marker prefix is
// dropped, the stage context is kept.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{ErrFatalStage, ErrTransient, ErrBestEffort, ErrPoison} {
		msg = strings.TrimPrefix(msg, marker.Error()+": ")
	}
	return msg
}

func buildDetail(stage, operation string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
