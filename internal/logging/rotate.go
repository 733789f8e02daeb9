package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"raycastlab/tuner/internal/config"
)

const rotationLayout = "20060102T150405.000000000"

// rotatingFile appends to one log file and moves it aside once the next
// write would exceed maxBytes. Rotated files are named path.<timestamp>
// (plus .gz when compressed) and pruned by count and age.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func openRotatingFile(cfg config.LoggingConfig) (*rotatingFile, error) {
	var problems []string
	if cfg.MaxSizeMB <= 0 {
		problems = append(problems, "TUNER_LOG_MAX_SIZE_MB must be positive")
	}
	if cfg.MaxBackups < 0 {
		problems = append(problems, "TUNER_LOG_MAX_BACKUPS must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		problems = append(problems, "TUNER_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &rotatingFile{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := r.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open(mode int) error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil
	backup := r.path + "." + r.now().UTC().Format(rotationLayout)
	if err := os.Rename(r.path, backup); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if r.compress {
		if err := gzipFile(backup); err != nil {
			//1.- Keep the uncompressed backup rather than losing it.
			fmt.Fprintf(os.Stderr, "log rotation: compress %s: %v\n", backup, err)
		}
	}
	r.pruneLocked()
	return r.open(os.O_TRUNC)
}

// pruneLocked removes backups beyond maxBackups (newest kept) and backups
// older than maxAge. Zero disables either limit.
func (r *rotatingFile) pruneLocked() {
	backups, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return
	}
	//1.- The timestamp suffix sorts lexically, newest last.
	sort.Strings(backups)
	cutoff := r.now().Add(-r.maxAge)
	for i, backup := range backups {
		excess := r.maxBackups > 0 && i < len(backups)-r.maxBackups
		expired := false
		if r.maxAge > 0 {
			if info, err := os.Stat(backup); err == nil && info.ModTime().Before(cutoff) {
				expired = true
			}
		}
		if excess || expired {
			_ = os.Remove(backup)
		}
	}
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		_ = in.Close()
		return err
	}
	gz := gzip.NewWriter(out)
	_, copyErr := io.Copy(gz, in)
	closeErr := errors.Join(gz.Close(), out.Close(), in.Close())
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}
