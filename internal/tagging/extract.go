package tagging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/exec"
	"strings"
	"time"
)

var ErrUnsupportedContent = errors.New("unsupported content type")

// Extractor turns an attachment into plain text for classification.
type Extractor struct {
	PDFToTextBin string
	MaxBytes     int64
}

func (e Extractor) Extract(ctx context.Context, path, contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	var raw []byte
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		raw, err = e.readText(path)
	case mediaType == "application/pdf":
		raw, err = e.pdfText(ctx, path)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(raw), "")), nil
}

func (e Extractor) readText(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(e.limit(f))
}

func (e Extractor) pdfText(ctx context.Context, path string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.PDFToTextBin, "-enc", "UTF-8", "-q", path, "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return io.ReadAll(e.limit(&stdout))
}

func (e Extractor) limit(r io.Reader) io.Reader {
	if e.MaxBytes <= 0 {
		return r
	}
	return io.LimitReader(r, e.MaxBytes)
}
