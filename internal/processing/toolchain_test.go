package processing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script writes an executable shell script standing in for a GDAL binary.
func script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

const infoJSON = `{
  "size": [4096, 2048],
  "wgs84Extent": {"type": "Polygon", "coordinates": [[[10.0, 50.0], [10.0, 54.0], [16.0, 54.0], [16.0, 50.0], [10.0, 50.0]]]}
}`

func TestGDALInspectAndCenter(t *testing.T) {
	g := GDAL{InfoBin: script(t, "gdalinfo", "cat <<'JSON'\n"+infoJSON+"\nJSON")}

	dims, err := g.Inspect(context.Background(), "in.tif")
	require.NoError(t, err)
	assert.Equal(t, 4096, dims.Width)
	assert.Equal(t, 2048, dims.Height)

	center, err := g.Center(context.Background(), "out.mbtiles")
	require.NoError(t, err)
	assert.InDelta(t, 13.0, center.Lon, 1e-9)
	assert.InDelta(t, 52.0, center.Lat, 1e-9)
}

func TestGDALCenterWithoutExtent(t *testing.T) {
	g := GDAL{InfoBin: script(t, "gdalinfo", `echo '{"size":[1,1]}'`)}
	_, err := g.Center(context.Background(), "out.mbtiles")
	assert.Error(t, err)
}

func TestGDALConvertReportsStderr(t *testing.T) {
	g := GDAL{TranslateBin: script(t, "gdal_translate", "echo 'ERROR 4: not recognized' >&2; exit 1")}
	err := g.Convert(context.Background(), "in.tif", filepath.Join(t.TempDir(), "out.mbtiles"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not recognized")
}

func TestGDALConvertRequiresOutput(t *testing.T) {
	g := GDAL{
		TranslateBin: script(t, "gdal_translate", "exit 0"),
		AddoBin:      script(t, "gdaladdo", "exit 0"),
	}
	err := g.Convert(context.Background(), "in.tif", filepath.Join(t.TempDir(), "out.mbtiles"))
	assert.ErrorIs(t, err, ErrMissingOutput)
}

func TestGDALConvertBuildsOverviews(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "addo-called")
	g := GDAL{
		TranslateBin: script(t, "gdal_translate", `eval last=\${$#}; echo tiles > "$last"`),
		AddoBin:      script(t, "gdaladdo", "touch "+marker),
	}
	dst := filepath.Join(t.TempDir(), "out.mbtiles")
	require.NoError(t, g.Convert(context.Background(), "in.tif", dst))
	assert.FileExists(t, marker)
}

func TestGDALHonoursContext(t *testing.T) {
	g := GDAL{InfoBin: script(t, "gdalinfo", "exec sleep 5")}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Inspect(ctx, "in.tif")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtentCenterRejectsEmptyRing(t *testing.T) {
	_, err := extentCenter(nil)
	assert.Error(t, err)
}
