package journal

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"raycastlab/tuner/internal/logging"
)

// RetentionPolicy defines how many session journals are retained on disk.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of retained journals.
type StorageStats struct {
	Sessions  int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes session directories according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the journal root.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger.Named("journal"), now: time.Now}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies immediately on startup.
	c.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type session struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

// RunOnce performs a single retention sweep. The newest sessions are kept.
func (c *Cleaner) RunOnce() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("journal retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	//1.- Only session directories are managed; stray files are left alone.
	sessions := make([]session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		size, latest, err := directoryFootprint(path)
		if err != nil {
			c.log.Warn("journal retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		if info, err := entry.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		sessions = append(sessions, session{name: entry.Name(), path: path, size: size, modTime: latest})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].modTime.After(sessions[j].modTime) })

	//2.- Remove by age first, then by count among the survivors.
	now := c.now()
	stats := StorageStats{LastSweep: now}
	for _, s := range sessions {
		reason := c.removalReason(s, now, stats.Sessions)
		if reason != "" {
			err := os.RemoveAll(s.path)
			if err == nil {
				c.log.Info("journal retention removed session", logging.String("session", s.name), logging.String("reason", reason))
				continue
			}
			c.log.Warn("journal retention removal failed", logging.Error(err), logging.String("session", s.name))
		}
		stats.Sessions++
		stats.Bytes += s.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) removalReason(s session, now time.Time, kept int) string {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(s.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSessions > 0 && kept >= c.policy.MaxSessions {
		reasons = append(reasons, fmt.Sprintf(">=%d sessions", c.policy.MaxSessions))
	}
	return strings.Join(reasons, ", ")
}

func directoryFootprint(root string) (int64, time.Time, error) {
	var total int64
	var latest time.Time
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return total, latest, err
}
