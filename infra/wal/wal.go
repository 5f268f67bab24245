// Package wal implements the segmented entry log of sequenced commands.
// Every admitted request is appended here before it reaches the engine;
// replaying the log against a fresh engine reproduces its exact output.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const currentSegment = "current.wal"

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
}

// WAL appends CRC-framed records to current.wal, sealing it into a
// numbered segment on size or age. Append is safe for concurrent
// admission goroutines.
type WAL struct {
	cfg Config

	mu           sync.Mutex
	file         *os.File
	bytes        int64
	segmentID    int
	lastRotation time.Time
}

func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	segID := lastSegmentID(cfg.Dir)

	f, err := os.OpenFile(filepath.Join(cfg.Dir, currentSegment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &WAL{
		cfg:          cfg,
		file:         f,
		bytes:        info.Size(),
		segmentID:    segID,
		lastRotation: time.Now(),
	}, nil
}

func (w *WAL) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := encodePayload(rec)
	size := int64(frameHeaderSize + len(payload))

	if w.shouldRotate(size) {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if err := writeFrame(w.file, payload); err != nil {
		return err
	}
	w.bytes += size
	return nil
}

func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.file.Sync()
	return w.file.Close()
}

func (w *WAL) shouldRotate(next int64) bool {
	if w.bytes == 0 {
		return false
	}
	if w.cfg.SegmentSize > 0 && w.bytes+next >= w.cfg.SegmentSize {
		return true
	}
	return w.cfg.SegmentDuration > 0 && time.Since(w.lastRotation) >= w.cfg.SegmentDuration
}

func (w *WAL) rotate() error {
	_ = w.file.Sync()
	if err := w.file.Close(); err != nil {
		return err
	}

	w.segmentID++
	sealed := filepath.Join(w.cfg.Dir, fmt.Sprintf("%06d.wal", w.segmentID))
	if err := os.Rename(filepath.Join(w.cfg.Dir, currentSegment), sealed); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(w.cfg.Dir, currentSegment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.bytes = 0
	w.lastRotation = time.Now()
	return nil
}

// segmentFiles returns sealed segments in order, then current.wal.
func segmentFiles(dir string) ([]string, error) {
	sealed, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range sealed {
		if filepath.Base(f) != currentSegment {
			files = append(files, f)
		}
	}
	sort.Strings(files)

	cur := filepath.Join(dir, currentSegment)
	if _, err := os.Stat(cur); err == nil {
		files = append(files, cur)
	}
	return files, nil
}

func lastSegmentID(dir string) int {
	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return 0
	}
	last := 0
	for _, f := range files {
		base := filepath.Base(f)
		if base == currentSegment {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(base, ".wal"))
		if err == nil && id > last {
			last = id
		}
	}
	return last
}
