package download_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/download"
)

type fakeOrigin struct {
	mu           sync.Mutex
	content      []byte
	lastModified time.Time
	gets         atomic.Int64
	heads        atomic.Int64
}

func (o *fakeOrigin) set(content []byte, lastModified time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.content = content
	o.lastModified = lastModified
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	content, lm := o.content, o.lastModified
	o.mu.Unlock()

	w.Header().Set("Last-Modified", lm.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		o.heads.Add(1)
		return
	}
	o.gets.Add(1)
	w.Write(content)
}

func newDownloader(t *testing.T) *download.Downloader {
	t.Helper()
	d, err := download.New(t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	return d
}

func TestDownloadSmallPayload(t *testing.T) {
	origin := &fakeOrigin{}
	origin.set([]byte("manifest: contents"), time.Now())
	srv := httptest.NewServer(origin)
	defer srv.Close()

	d := newDownloader(t)
	data, err := d.Download(context.Background(), srv.URL+"/manifest.yaml")
	require.NoError(t, err)
	assert.Equal(t, []byte("manifest: contents"), data)
}

func TestDownloadToReportsIncreasingProgress(t *testing.T) {
	payload := make([]byte, 1<<20)
	origin := &fakeOrigin{}
	origin.set(payload, time.Now())
	srv := httptest.NewServer(origin)
	defer srv.Close()

	d := newDownloader(t)
	dest := filepath.Join(t.TempDir(), "image.img")

	var percents []int
	err := d.DownloadTo(context.Background(), srv.URL+"/image.img", dest, int64(len(payload)), "image", func(kind string, percent int) bool {
		assert.Equal(t, "image", kind)
		percents = append(percents, percent)
		return true
	})
	require.NoError(t, err)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())
}

func TestDownloadToSizeMismatch(t *testing.T) {
	origin := &fakeOrigin{}
	origin.set([]byte("short"), time.Now())
	srv := httptest.NewServer(origin)
	defer srv.Close()

	d := newDownloader(t)
	dest := filepath.Join(t.TempDir(), "image.img")

	err := d.DownloadTo(context.Background(), srv.URL+"/image.img", dest, 9999, "image", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, download.ErrSizeMismatch))

	// The partial artifact is discarded, not left looking complete.
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAbortAllCancelsMidTransfer(t *testing.T) {
	// Stream slowly enough that the abort lands between chunks.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5242880")
		flusher := w.(http.Flusher)
		chunk := make([]byte, 256*1024)
		for i := 0; i < 20; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-release:
			case <-time.After(50 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()
	defer close(release)

	d := newDownloader(t)
	dest := filepath.Join(t.TempDir(), "image.img")

	go func() {
		time.Sleep(100 * time.Millisecond)
		d.AbortAll()
	}()

	err := d.DownloadTo(context.Background(), srv.URL+"/image.img", dest, 0, "image", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, download.ErrAborted))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "aborted download must not leave a truncated artifact")
}

func TestMonitorCanAbort(t *testing.T) {
	payload := make([]byte, 4<<20)
	origin := &fakeOrigin{}
	origin.set(payload, time.Now())
	srv := httptest.NewServer(origin)
	defer srv.Close()

	d := newDownloader(t)
	dest := filepath.Join(t.TempDir(), "image.img")

	err := d.DownloadTo(context.Background(), srv.URL+"/image.img", dest, int64(len(payload)), "image", func(string, int) bool {
		return false
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, download.ErrAborted))
}

func TestFetchCachesUntilRemoteIsNewer(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	origin := &fakeOrigin{}
	origin.set([]byte("version-one"), t1)
	srv := httptest.NewServer(origin)
	defer srv.Close()

	d := newDownloader(t)
	ctx := context.Background()
	url := srv.URL + "/disk.img"

	path1, err := d.Fetch(ctx, url, 0, "image", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, origin.gets.Load())

	// Remote unchanged: only a metadata check, no content fetch.
	path2, err := d.Fetch(ctx, url, 0, "image", nil)
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
	assert.EqualValues(t, 1, origin.gets.Load(), "fresh cache entry must be served from disk")
	assert.GreaterOrEqual(t, origin.heads.Load(), int64(1))

	entry := d.Entry(url)
	require.NotNil(t, entry)
	assert.Equal(t, t1, entry.LastModified.UTC())

	// Remote is newer: content is re-fetched and the entry replaced.
	origin.set([]byte("version-two"), t2)
	path3, err := d.Fetch(ctx, url, 0, "image", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, origin.gets.Load())

	data, err := os.ReadFile(path3)
	require.NoError(t, err)
	assert.Equal(t, []byte("version-two"), data)

	entry = d.Entry(url)
	require.NotNil(t, entry)
	assert.Equal(t, t2, entry.LastModified.UTC())
}

func TestFetchConcurrentSameURL(t *testing.T) {
	origin := &fakeOrigin{}
	origin.set([]byte("shared-content"), time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	srv := httptest.NewServer(origin)
	defer srv.Close()

	d := newDownloader(t)
	url := srv.URL + "/disk.img"

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = d.Fetch(context.Background(), url, 0, "image", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
		data, err := os.ReadFile(paths[i])
		require.NoError(t, err)
		assert.Equal(t, []byte("shared-content"), data)
	}
	assert.EqualValues(t, 1, origin.gets.Load(), "same-URL fetches must not race the cache entry")
}
