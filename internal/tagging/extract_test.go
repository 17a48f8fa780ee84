package tagging

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	return path
}

func TestExtractPlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", "  survey notes\n", 0o644)
	text, err := Extractor{}.Extract(context.Background(), path, "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "survey notes", text)
}

func TestExtractTruncatesToMaxBytes(t *testing.T) {
	path := writeFile(t, "notes.md", "abcdefghij", 0o644)
	text, err := Extractor{MaxBytes: 4}.Extract(context.Background(), path, "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)
}

func TestExtractUnsupportedType(t *testing.T) {
	path := writeFile(t, "photo.jpg", "\xff\xd8", 0o644)
	_, err := Extractor{}.Extract(context.Background(), path, "image/jpeg")
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestExtractPDFUsesPdftotext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake")
	}
	bin := writeFile(t, "pdftotext", "#!/bin/sh\necho \"text from $4\"\n", 0o755)
	doc := writeFile(t, "report.pdf", "%PDF-1.4", 0o644)

	text, err := Extractor{PDFToTextBin: bin}.Extract(context.Background(), doc, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "text from "+doc, text)
}

func TestExtractPDFFailureCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake")
	}
	bin := writeFile(t, "pdftotext", "#!/bin/sh\necho 'Syntax Error: broken xref' >&2\nexit 1\n", 0o755)
	doc := writeFile(t, "report.pdf", "junk", 0o644)

	_, err := Extractor{PDFToTextBin: bin}.Extract(context.Background(), doc, "application/pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken xref")
}
