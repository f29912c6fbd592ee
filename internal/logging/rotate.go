package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"snowbiome/server/internal/config"
)

const rotatedSuffixLayout = "20060102T150405.000"

// rotatingWriter appends to one log file and moves it aside once it would grow
// past maxSize. Rotated files are optionally gzipped and pruned by count and age.
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time
	file       *os.File
	size       int64
}

func newRotatingWriter(cfg config.LoggingConfig) (*rotatingWriter, error) {
	switch {
	case cfg.MaxSizeMB <= 0:
		return nil, errors.New("SNOWBIOME_LOG_MAX_SIZE_MB must be positive")
	case cfg.MaxBackups < 0:
		return nil, errors.New("SNOWBIOME_LOG_MAX_BACKUPS must be non-negative")
	case cfg.MaxAgeDays < 0:
		return nil, errors.New("SNOWBIOME_LOG_MAX_AGE_DAYS must be non-negative")
	}
	w := &rotatingWriter{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	if err := w.openLocked(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) openLocked(mode int) error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	//1.- A single oversized line still lands in a fresh file rather than looping.
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close releases the active file. Later writes fail with os.ErrClosed.
func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil
	rotated := w.path + "." + w.now().UTC().Format(rotatedSuffixLayout)
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if w.compress {
		if err := gzipFile(rotated); err == nil {
			_ = os.Remove(rotated)
		}
	}
	w.pruneLocked()
	return w.openLocked(os.O_TRUNC)
}

// pruneLocked keeps the newest maxBackups rotated files and drops any older than maxAge.
func (w *rotatingWriter) pruneLocked() {
	dir, base := filepath.Dir(w.path), filepath.Base(w.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}
	//1.- Suffixes are UTC timestamps, so name order is rotation order.
	sort.Slice(backups, func(i, j int) bool { return backups[i].path > backups[j].path })
	cutoff := time.Time{}
	if w.maxAge > 0 {
		cutoff = w.now().Add(-w.maxAge)
	}
	for i, b := range backups {
		tooMany := w.maxBackups > 0 && i >= w.maxBackups
		tooOld := !cutoff.IsZero() && b.mod.Before(cutoff)
		if tooMany || tooOld {
			_ = os.Remove(b.path)
		}
	}
}

func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(src+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	gz, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}
