package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/your-org/tileflow/internal/store"
)

// Toolchain is the raster conversion backend. Every call blocks until the
// underlying command exits or ctx is done.
type Toolchain interface {
	Inspect(ctx context.Context, src string) (store.Dimensions, error)
	Convert(ctx context.Context, src, dst string) error
	Preview(ctx context.Context, src, dst string, width int) error
	Center(ctx context.Context, path string) (store.Coordinate, error)
}

var ErrMissingOutput = errors.New("toolchain produced no output")

// GDAL drives the gdalinfo, gdal_translate and gdaladdo binaries.
type GDAL struct {
	InfoBin      string
	TranslateBin string
	AddoBin      string
}

type gdalInfo struct {
	Size        []int `json:"size"`
	WGS84Extent *struct {
		Coordinates [][][]float64 `json:"coordinates"`
	} `json:"wgs84Extent"`
}

func (g GDAL) info(ctx context.Context, path string) (gdalInfo, error) {
	out, err := run(ctx, g.InfoBin, "-json", path)
	if err != nil {
		return gdalInfo{}, err
	}
	var info gdalInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return gdalInfo{}, fmt.Errorf("decode gdalinfo output: %w", err)
	}
	return info, nil
}

func (g GDAL) Inspect(ctx context.Context, src string) (store.Dimensions, error) {
	info, err := g.info(ctx, src)
	if err != nil {
		return store.Dimensions{}, err
	}
	if len(info.Size) < 2 || info.Size[0] <= 0 || info.Size[1] <= 0 {
		return store.Dimensions{}, fmt.Errorf("gdalinfo reported no raster size for %s", src)
	}
	return store.Dimensions{Width: info.Size[0], Height: info.Size[1]}, nil
}

// Convert writes an MBTiles package to dst and builds its overviews.
func (g GDAL) Convert(ctx context.Context, src, dst string) error {
	if _, err := run(ctx, g.TranslateBin, "-of", "MBTILES", src, dst); err != nil {
		return err
	}
	if err := requireOutput(dst); err != nil {
		return err
	}
	if _, err := run(ctx, g.AddoBin, "-r", "average", dst, "2", "4", "8", "16"); err != nil {
		return fmt.Errorf("build overviews: %w", err)
	}
	return nil
}

func (g GDAL) Preview(ctx context.Context, src, dst string, width int) error {
	if _, err := run(ctx, g.TranslateBin, "-of", "PNG", "-outsize", strconv.Itoa(width), "0", src, dst); err != nil {
		return err
	}
	return requireOutput(dst)
}

// Center returns the middle of the WGS84 extent gdalinfo reports for path.
func (g GDAL) Center(ctx context.Context, path string) (store.Coordinate, error) {
	info, err := g.info(ctx, path)
	if err != nil {
		return store.Coordinate{}, err
	}
	if info.WGS84Extent == nil || len(info.WGS84Extent.Coordinates) == 0 {
		return store.Coordinate{}, fmt.Errorf("no wgs84 extent for %s", path)
	}
	return extentCenter(info.WGS84Extent.Coordinates[0])
}

func extentCenter(ring [][]float64) (store.Coordinate, error) {
	if len(ring) == 0 || len(ring[0]) < 2 {
		return store.Coordinate{}, errors.New("empty extent ring")
	}
	minLon, minLat := ring[0][0], ring[0][1]
	maxLon, maxLat := minLon, minLat
	for _, pt := range ring {
		if len(pt) < 2 {
			return store.Coordinate{}, errors.New("malformed extent point")
		}
		minLon, maxLon = min(minLon, pt[0]), max(maxLon, pt[0])
		minLat, maxLat = min(minLat, pt[1]), max(maxLat, pt[1])
	}
	return store.Coordinate{Lon: (minLon + maxLon) / 2, Lat: (minLat + maxLat) / 2}, nil
}

func requireOutput(path string) error {
	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrMissingOutput, path)
	}
	return nil
}

const (
	maxStderr = 512
	// waitDelay bounds how long a killed command may hold its output pipes.
	waitDelay = 5 * time.Second
)

func run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", bin, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[len(msg)-maxStderr:]
		}
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", bin, err)
		}
		return nil, fmt.Errorf("%s: %w: %s", bin, err, msg)
	}
	return stdout.Bytes(), nil
}
