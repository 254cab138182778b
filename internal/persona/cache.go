package persona

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meowko-voice/internal/logging"
)

// CacheFiles stores generated media per scope and day.
type CacheFiles struct {
	dataDir  string
	cacheDir string
	store    *Store
}

// Save writes data to {cache}/{persona}-{user}/{date}/{HH-MM-SS}-{id8}{ext}
// where ext comes from name, and returns the path relative to the data dir.
func (c *CacheFiles) Save(personaID, userID, name string, data []byte) (string, error) {
	scope, err := scopeID(personaID, userID)
	if err != nil {
		return "", err
	}
	now := c.store.now().In(c.store.loc)
	file := now.Format("15-04-05") + "-" + uuid.NewString()[:8] + filepath.Ext(name)
	full := filepath.Join(c.cacheDir, scope, c.store.LogicalDate(now), file)
	if err := SaveFileAtomic(full, data, 0o644); err != nil {
		return "", err
	}
	rel, err := filepath.Rel(c.dataDir, full)
	if err != nil {
		return full, nil
	}
	return filepath.ToSlash(rel), nil
}

// StartCacheCleaner periodically removes cache files older than retention and
// trims the oldest files beyond maxFiles. The caller must wg.Add(1) first.
func StartCacheCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := pruneCache(dir, retention, maxFiles, time.Now()); err != nil {
					logging.Debugw("cache: cleanup failed", "dir", dir, "err", err)
				} else if n > 0 {
					logging.Infow("cache: removed files", "dir", dir, "count", n)
				}
			}
		}
	}()
}

func pruneCache(dir string, retention time.Duration, maxFiles int, now time.Time) (int, error) {
	type entry struct {
		path string
		mod  time.Time
	}
	var files []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, entry{path: path, mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	removed := 0
	keep := files[:0]
	for _, f := range files {
		if retention > 0 && f.mod.Before(now.Add(-retention)) {
			if os.Remove(f.path) == nil {
				removed++
			}
			continue
		}
		keep = append(keep, f)
	}
	if maxFiles > 0 && len(keep) > maxFiles {
		for _, f := range keep[:len(keep)-maxFiles] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
