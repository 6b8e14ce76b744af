package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/risotto/internal/collector"
	"github.com/route-beacon/risotto/internal/metrics"
)

// Engine periodically serializes a collector.State to disk and can load it
// back at startup (§4.5, §5).
type Engine struct {
	path     string
	interval time.Duration
	state    *collector.State
	logger   *zap.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New constructs a snapshot Engine writing to path every interval.
func New(path string, interval time.Duration, state *collector.State, logger *zap.Logger) (*Engine, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: new zstd decoder: %w", err)
	}

	return &Engine{
		path:     path,
		interval: interval,
		state:    state,
		logger:   logger.Named("snapshot"),
		encoder:  enc,
		decoder:  dec,
	}, nil
}

// Load reads and restores the snapshot at startup, if present. A missing
// file is not an error (first run). A corrupted file (bad magic/version,
// or zstd decode failure) is quarantined by rename and load proceeds as if
// the file were absent, rather than aborting startup (§4.5, §7: SnapshotIO
// — "log, count, skip; do not crash").
func (e *Engine) Load() error {
	start := time.Now()
	defer func() { metrics.SnapshotLoadSeconds.Observe(time.Since(start).Seconds()) }()

	raw, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("no snapshot file found, starting empty", zap.String("path", e.path))
			return nil
		}
		return fmt.Errorf("snapshot: read %s: %w", e.path, err)
	}

	tree, err := e.decode(raw)
	if err != nil {
		e.logger.Warn("snapshot file is corrupted, quarantining and starting empty", zap.Error(err))
		e.quarantine()
		metrics.SnapshotWritesTotal.WithLabelValues("load_corrupted").Inc()
		return nil
	}

	e.state.Import(tree)
	e.logger.Info("snapshot loaded", zap.String("path", e.path), zap.Int("routers", len(tree.Routers)))
	metrics.SnapshotWritesTotal.WithLabelValues("load_ok").Inc()
	return nil
}

func (e *Engine) decode(raw []byte) (collector.SnapshotTree, error) {
	decompressed, err := e.decoder.DecodeAll(raw, nil)
	if err != nil {
		return collector.SnapshotTree{}, fmt.Errorf("zstd decode: %w", err)
	}
	return Decode(decompressed)
}

func (e *Engine) quarantine() {
	quarantined := e.path + fmt.Sprintf(".corrupted.%d", time.Now().UnixNano())
	if err := os.Rename(e.path, quarantined); err != nil {
		e.logger.Warn("failed to quarantine corrupted snapshot", zap.Error(err))
	}
}

// Save serializes the current state and atomically replaces the snapshot
// file: write to a temp file sibling to the configured path, then rename
// (§4.5).
func (e *Engine) Save() error {
	tree := e.state.Export()
	raw := Encode(tree)
	compressed := e.encoder.EncodeAll(raw, nil)

	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(e.path)+".tmp-*")
	if err != nil {
		metrics.SnapshotWritesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		metrics.SnapshotWritesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		metrics.SnapshotWritesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("snapshot: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		metrics.SnapshotWritesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, e.path); err != nil {
		os.Remove(tmpPath)
		metrics.SnapshotWritesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}

	metrics.SnapshotWritesTotal.WithLabelValues("write_ok").Inc()
	return nil
}

// Run fires Save on the configured interval until ctx is cancelled, then
// performs one final save before returning (§5: "triggers a final
// snapshot, then exits").
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.Save(); err != nil {
				e.logger.Warn("final snapshot save failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := e.Save(); err != nil {
				e.logger.Warn("periodic snapshot save failed", zap.Error(err))
			}
		}
	}
}
