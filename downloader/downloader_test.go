package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/resource-cache/filerepo"
	"github.com/cyverse/resource-cache/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newTestConfig() *DownloaderConfig {
	config := NewDefaultDownloaderConfig()
	config.Timeout = 10 * time.Second
	config.RetryMax = 2
	config.RetryDelay = 5 * time.Millisecond
	return config
}

// newTestServer serves "content of <name>" for names in files and responds with status for others
func newTestServer(t *testing.T, files map[string]string, status int, hits *atomic.Int32) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		hits.Add(1)

		name := filepath.Base(request.URL.Path)
		if content, ok := files[name]; ok {
			_, _ = writer.Write([]byte(content))
			return
		}
		writer.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownload(t *testing.T) {
	hits := atomic.Int32{}
	server := newTestServer(t, map[string]string{"plugin.zip": "zip data"}, http.StatusNotFound, &hits)

	downloader := NewDownloader[string](newTestConfig(), NewBaseURLResolver(server.URL+"/"))
	defer downloader.Release()

	tempDir := t.TempDir()
	path, err := downloader.ProduceFile(context.Background(), "plugin.zip", tempDir)
	require.NoError(t, err)

	assert.Equal(t, tempDir, filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zip data", string(data))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadNotFoundIsCached(t *testing.T) {
	hits := atomic.Int32{}
	server := newTestServer(t, nil, http.StatusNotFound, &hits)

	downloader := NewDownloader[string](newTestConfig(), NewBaseURLResolver(server.URL))
	defer downloader.Release()

	tempDir := t.TempDir()
	for i := 0; i < 3; i++ {
		_, err := downloader.ProduceFile(context.Background(), "missing.zip", tempDir)
		require.Error(t, err)
		assert.True(t, repository.IsNotFoundError(err))
	}

	// not found is neither retried nor requested again while cached
	assert.Equal(t, int32(1), hits.Load())

	downloader.ClearNotFoundCache()
	_, err := downloader.ProduceFile(context.Background(), "missing.zip", tempDir)
	assert.True(t, repository.IsNotFoundError(err))
	assert.Equal(t, int32(2), hits.Load())

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	hits := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if hits.Add(1) < 3 {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = writer.Write([]byte("finally"))
	}))
	defer server.Close()

	downloader := NewDownloader[string](newTestConfig(), NewBaseURLResolver(server.URL))
	defer downloader.Release()

	path, err := downloader.ProduceFile(context.Background(), "flaky.zip", t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(data))
	assert.Equal(t, int32(3), hits.Load())
}

func TestDownloadGivesUpAfterRetries(t *testing.T) {
	hits := atomic.Int32{}
	server := newTestServer(t, nil, http.StatusInternalServerError, &hits)

	config := newTestConfig()
	downloader := NewDownloader[string](config, NewBaseURLResolver(server.URL))
	defer downloader.Release()

	_, err := downloader.ProduceFile(context.Background(), "broken.zip", t.TempDir())
	require.Error(t, err)
	assert.False(t, repository.IsNotFoundError(err))
	assert.Equal(t, int32(config.RetryMax+1), hits.Load())
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	hits := atomic.Int32{}
	server := newTestServer(t, nil, http.StatusForbidden, &hits)

	downloader := NewDownloader[string](newTestConfig(), NewBaseURLResolver(server.URL))
	defer downloader.Release()

	_, err := downloader.ProduceFile(context.Background(), "secret.zip", t.TempDir())
	require.Error(t, err)
	assert.False(t, repository.IsNotFoundError(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestBaseURLResolver(t *testing.T) {
	resolver := NewBaseURLResolver("https://example.org/artifacts/")

	resolved, err := resolver("my plugin.zip")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/artifacts/my%20plugin.zip", resolved)

	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err = resolver(name)
		assert.Error(t, err, name)
	}
}

func TestDownloaderAsFileProducer(t *testing.T) {
	hits := atomic.Int32{}
	server := newTestServer(t, map[string]string{"a.jar": "jar a"}, http.StatusNotFound, &hits)

	downloader := NewDownloader[string](newTestConfig(), NewBaseURLResolver(server.URL))
	defer downloader.Release()

	root := t.TempDir()
	config := filerepo.NewDefaultFileRepositoryConfig(root)
	config.Name = t.Name()

	repo, err := filerepo.NewFileRepository[string](config, filerepo.StringNameMapper, filerepo.StringKeyParser, downloader, nil)
	require.NoError(t, err)

	lock, err := repo.Get(context.Background(), "a.jar")
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, filepath.Join(root, "a.jar"), lock.GetResource().GetPath())
	assert.Equal(t, int64(len("jar a")), lock.GetResource().GetSize())

	_, err = repo.Get(context.Background(), "b.jar")
	assert.True(t, repository.IsNotFoundError(err))
	assert.ElementsMatch(t, []string{"a.jar"}, repo.GetAllExistingKeys())
}
