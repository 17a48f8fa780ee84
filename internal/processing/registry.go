package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/your-org/tileflow/pkg/redis"
)

const registryLockKey = "tileflow:tileserver:config"

// TileRegistry keeps the tile server's mbtiles source list in step with the
// published tile packages. The config file is rewritten only when an entry
// actually changes, and every change is followed by a restart request.
type TileRegistry struct {
	configPath string
	sourceRoot string
	restartURL string
	locker     redis.Locker
	lockTTL    time.Duration
	client     *http.Client
	logger     *zap.Logger
}

type RegistryOptions struct {
	ConfigPath string
	SourceRoot string
	RestartURL string
	Locker     redis.Locker
	LockTTL    time.Duration
	HTTPClient *http.Client
}

func NewTileRegistry(opts RegistryOptions, logger *zap.Logger) *TileRegistry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &TileRegistry{
		configPath: opts.ConfigPath,
		sourceRoot: opts.SourceRoot,
		restartURL: opts.RestartURL,
		locker:     opts.Locker,
		lockTTL:    opts.LockTTL,
		client:     opts.HTTPClient,
		logger:     logger.Named("tileserver"),
	}
}

// Register points sourceID at the tile package stored under key. It reports
// whether the config file changed.
func (r *TileRegistry) Register(ctx context.Context, sourceID, key string) (bool, error) {
	if r.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, r.lockTTL)
		lock, err := redis.Acquire(lockCtx, r.locker, registryLockKey, r.lockTTL, 100*time.Millisecond)
		cancel()
		if err != nil {
			return false, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("release registry lock", zap.Error(err))
			}
		}()
	}

	changed, err := r.upsertSource(sourceID, filepath.Join(r.sourceRoot, filepath.FromSlash(key)))
	if err != nil || !changed {
		return changed, err
	}
	r.logger.Info("tile source registered", zap.String("source", sourceID), zap.String("key", key))
	r.restart(ctx)
	return true, nil
}

func (r *TileRegistry) upsertSource(sourceID, path string) (bool, error) {
	doc := map[string]any{}
	raw, err := os.ReadFile(r.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return false, fmt.Errorf("read tile server config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return false, fmt.Errorf("parse tile server config: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	mbtiles, _ := doc["mbtiles"].(map[string]any)
	if mbtiles == nil {
		mbtiles = map[string]any{}
	}
	sources, _ := mbtiles["sources"].(map[string]any)
	if sources == nil {
		sources = map[string]any{}
	}
	if current, ok := sources[sourceID].(string); ok && current == path {
		return false, nil
	}
	sources[sourceID] = path
	mbtiles["sources"] = sources
	doc["mbtiles"] = mbtiles

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return false, fmt.Errorf("encode tile server config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return false, fmt.Errorf("encode tile server config: %w", err)
	}
	if err := writeAtomic(r.configPath, buf.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

// restart asks the tile server to reload. Failures are only logged.
func (r *TileRegistry) restart(ctx context.Context) {
	if r.restartURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.restartURL, nil)
	if err != nil {
		r.logger.Warn("build restart request", zap.Error(err))
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("tile server restart failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.logger.Warn("tile server restart rejected", zap.Int("status", resp.StatusCode))
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
