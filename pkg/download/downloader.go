// Package download implements the content store backing image resolution: a
// URL-keyed cache with conditional re-fetch, byte-level progress reporting and
// a broadcast cancellation token shared by every in-flight download.
package download

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const downloadChunkSize = 256 * 1024

var (
	// ErrAborted is returned by downloads interrupted by AbortAll or by the
	// progress monitor.
	ErrAborted = errors.New("download aborted")

	// ErrSizeMismatch is returned when the downloaded byte count disagrees
	// with the caller-expected size.
	ErrSizeMismatch = errors.New("downloaded size mismatch")
)

// ProgressMonitor receives percentage updates during a transfer; percent is
// -1 when completion is unknown. Returning false aborts the transfer.
type ProgressMonitor func(kind string, percent int) bool

// Downloader fetches URLs into a cache directory. One Downloader is shared by
// all concurrently running launch pipelines; its abort flag is a single
// process-wide token, so AbortAll halts every in-flight download rather than
// any particular one.
type Downloader struct {
	cacheDir string
	client   *http.Client

	abort atomic.Bool

	mu      sync.Mutex
	entries map[string]*CacheEntry
	locks   map[string]*sync.Mutex
}

// New returns a Downloader caching into cacheDir. timeout bounds each HTTP
// request's connection phase, not whole transfers.
func New(cacheDir string, timeout time.Duration) (*Downloader, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, errors.Errorf("creating cache directory: %w", err)
	}

	d := &Downloader{
		cacheDir: cacheDir,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
		entries: map[string]*CacheEntry{},
		locks:   map[string]*sync.Mutex{},
	}

	if err := d.loadIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

// AbortAll sets the shared cancellation flag observed between chunks by every
// in-flight download on this instance. This is a broadcast for process-wide
// shutdown, not selective cancellation.
func (d *Downloader) AbortAll() {
	d.abort.Store(true)
}

// Download fetches the full payload for url into memory. Intended for small
// metadata payloads such as catalog manifests.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Errorf("building request for %s: %w", url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}

	var buf []byte
	chunk := make([]byte, downloadChunkSize)
	for {
		if d.abort.Load() {
			return nil, errors.Errorf("downloading %s: %w", url, ErrAborted)
		}
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, errors.Errorf("reading %s: %w", url, err)
		}
	}
}

// LastModified issues a metadata-only request for url. Callers use it to
// decide whether a cached artifact is stale.
func (d *Downloader) LastModified(ctx context.Context, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return time.Time{}, errors.Errorf("building request for %s: %w", url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return time.Time{}, errors.Errorf("checking %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, errors.Errorf("unexpected status %d checking %s", resp.StatusCode, url)
	}

	lm, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		// No usable timestamp; report "very new" so callers re-fetch.
		return time.Now(), nil
	}
	return lm, nil
}

// DownloadTo streams the payload for url into dest, reporting progress to
// monitor. When expectedSize is nonzero a final byte-count disagreement fails
// with ErrSizeMismatch. The destination is replaced atomically: a previous
// file at dest stays valid to concurrent readers until the new one is fully
// written.
func (d *Downloader) DownloadTo(ctx context.Context, url, dest string, expectedSize int64, kind string, monitor ProgressMonitor) error {
	_, err := d.downloadTo(ctx, url, dest, expectedSize, kind, monitor)
	return err
}

func (d *Downloader) downloadTo(ctx context.Context, url, dest string, expectedSize int64, kind string, monitor ProgressMonitor) (time.Time, error) {
	logger := zerolog.Ctx(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, errors.Errorf("building request for %s: %w", url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return time.Time{}, errors.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, errors.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}

	total := expectedSize
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return time.Time{}, errors.Errorf("creating %s: %w", tmp, err)
	}

	discard := func() {
		f.Close()
		os.Remove(tmp)
	}

	var written int64
	lastPercent := -2
	chunk := make([]byte, downloadChunkSize)
	for {
		if d.abort.Load() {
			discard()
			return time.Time{}, errors.Errorf("downloading %s: %w", url, ErrAborted)
		}
		if ctx.Err() != nil {
			discard()
			return time.Time{}, errors.Errorf("downloading %s: %w", url, ctx.Err())
		}

		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if _, err := f.Write(chunk[:n]); err != nil {
				discard()
				return time.Time{}, errors.Errorf("writing %s: %w", tmp, err)
			}
			written += int64(n)

			percent := -1
			if total > 0 {
				percent = int(written * 100 / total)
			}
			if percent != lastPercent {
				lastPercent = percent
				if monitor != nil && !monitor(kind, percent) {
					discard()
					return time.Time{}, errors.Errorf("downloading %s: %w", url, ErrAborted)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			discard()
			return time.Time{}, errors.Errorf("reading %s: %w", url, readErr)
		}
	}

	if expectedSize > 0 && written != expectedSize {
		discard()
		return time.Time{}, errors.Errorf("%s: got %d bytes, expected %d: %w", url, written, expectedSize, ErrSizeMismatch)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return time.Time{}, errors.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return time.Time{}, errors.Errorf("replacing %s: %w", dest, err)
	}

	if monitor != nil && total > 0 && lastPercent != 100 {
		monitor(kind, 100)
	}

	lm, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		lm = time.Now()
	}

	logger.Debug().Str("url", url).Str("dest", dest).Int64("bytes", written).Msg("download complete")
	return lm, nil
}

func (d *Downloader) urlLock(url string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[url]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[url] = lock
	}
	return lock
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
