package replay

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

	"snowbiome/server/internal/logging"
)

// RetentionPolicy defines how many session bundles are retained on disk.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of persisted replays.
type StorageStats struct {
	Sessions  int
	Bytes     int64
	Removed   int
	LastSweep time.Time
}

// Cleaner periodically prunes session bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	live   func(folder string) bool
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided replay directory. live, when
// set, protects bundles that are still being written.
func NewCleaner(dir string, policy RetentionPolicy, live func(string) bool, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, live: live, log: logger, now: time.Now}
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
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
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

type bundle struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	bundles := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, b := range bundles {
		live := c.live != nil && c.live(b.name)
		if !live {
			if remove, reason := c.shouldRemove(b, now, kept); remove {
				err := os.RemoveAll(b.path)
				if err == nil {
					stats.Removed++
					c.log.Info("replay retention removed bundle", logging.String("session", b.name), logging.String("reason", reason))
					continue
				}
				c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("session", b.name))
			}
		}
		kept++
		stats.Sessions++
		stats.Bytes += b.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// collect lists session bundles newest first. Only directories holding a
// header count as bundles; stray files are left alone.
func (c *Cleaner) collect(entries []os.DirEntry) []bundle {
	list := make([]bundle, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		headerInfo, err := os.Stat(filepath.Join(path, headerFile))
		if err != nil {
			continue
		}
		size, latest, err := directoryUsage(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		if headerInfo.ModTime().After(latest) {
			latest = headerInfo.ModTime()
		}
		list = append(list, bundle{name: entry.Name(), path: path, size: size, modTime: latest})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].modTime.After(list[j].modTime) })
	return list
}

func (c *Cleaner) shouldRemove(b bundle, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSessions > 0 && kept >= c.policy.MaxSessions {
		reasons = append(reasons, fmt.Sprintf(">=%d sessions", c.policy.MaxSessions))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

// directoryUsage sums file sizes and finds the newest modification below root.
func directoryUsage(root string) (int64, time.Time, error) {
	var total int64
	var latest time.Time
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
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
	return total, latest, walkErr
}
