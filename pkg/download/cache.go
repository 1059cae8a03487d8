package download

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const indexFileName = "index.json"

// CacheEntry records one cached artifact, keyed by its canonical URL. Entries
// are never evicted by size pressure; they are replaced only when the remote
// copy is newer.
type CacheEntry struct {
	URL          string    `json:"url"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	InProgress   bool      `json:"-"`
}

// Fetch returns a local path for url, downloading only when the cache has no
// fresh copy. A cached file whose recorded Last-Modified is no older than the
// remote's is served from disk after a metadata-only check; otherwise the
// content is re-fetched and the entry replaced atomically.
func (d *Downloader) Fetch(ctx context.Context, rawURL string, expectedSize int64, kind string, monitor ProgressMonitor) (string, error) {
	logger := zerolog.Ctx(ctx)

	// Concurrent fetches of the same URL serialize here; different URLs
	// proceed independently.
	lock := d.urlLock(rawURL)
	lock.Lock()
	defer lock.Unlock()

	prior := d.lookup(rawURL)
	if prior != nil && fileExists(prior.Path) {
		remote, err := d.LastModified(ctx, rawURL)
		if err == nil && !remote.After(prior.LastModified) {
			logger.Debug().Str("url", rawURL).Str("path", prior.Path).Msg("serving from cache")
			return prior.Path, nil
		}
		logger.Info().Str("url", rawURL).Msg("cached artifact is stale, re-fetching")
	}

	dest := filepath.Join(d.cacheDir, cacheFileName(rawURL))

	d.setInProgress(rawURL, dest, true)
	lm, err := d.downloadTo(ctx, rawURL, dest, expectedSize, kind, monitor)
	if err != nil {
		// The partial output is already discarded; a previously cached copy
		// stays valid.
		if prior != nil {
			d.store(prior)
		} else {
			d.remove(rawURL)
		}
		return "", err
	}

	info, err := os.Stat(dest)
	if err != nil {
		d.remove(rawURL)
		return "", errors.Errorf("inspecting %s: %w", dest, err)
	}

	d.store(&CacheEntry{
		URL:          rawURL,
		Path:         dest,
		Size:         info.Size(),
		LastModified: lm,
	})
	if err := d.saveIndex(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist cache index")
	}

	return dest, nil
}

// Entry returns the cache entry for url, or nil.
func (d *Downloader) Entry(url string) *CacheEntry {
	return d.lookup(url)
}

func (d *Downloader) lookup(url string) *CacheEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[url]
	if !ok {
		return nil
	}
	copied := *entry
	return &copied
}

func (d *Downloader) store(entry *CacheEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[entry.URL] = entry
}

func (d *Downloader) setInProgress(url, dest string, inProgress bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[url]
	if !ok {
		entry = &CacheEntry{URL: url, Path: dest}
		d.entries[url] = entry
	}
	entry.InProgress = inProgress
}

func (d *Downloader) remove(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, url)
}

func (d *Downloader) indexPath() string {
	return filepath.Join(d.cacheDir, indexFileName)
}

func (d *Downloader) loadIndex() error {
	data, err := os.ReadFile(d.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Errorf("reading cache index: %w", err)
	}

	var entries []*CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Errorf("unmarshaling cache index: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range entries {
		d.entries[entry.URL] = entry
	}
	return nil
}

func (d *Downloader) saveIndex() error {
	d.mu.Lock()
	entries := make([]*CacheEntry, 0, len(d.entries))
	for _, entry := range d.entries {
		if !entry.InProgress {
			entries = append(entries, entry)
		}
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Errorf("marshaling cache index: %w", err)
	}

	tmp := d.indexPath() + ".partial"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Errorf("writing cache index: %w", err)
	}
	if err := os.Rename(tmp, d.indexPath()); err != nil {
		os.Remove(tmp)
		return errors.Errorf("replacing cache index: %w", err)
	}
	return nil
}

// cacheFileName derives a stable file name for a URL, keeping the original
// extension so backends can tell image formats apart.
func cacheFileName(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = path.Ext(u.Path)
	}
	return fmt.Sprintf("%x%s", sum[:12], ext)
}
