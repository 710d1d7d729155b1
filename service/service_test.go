package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	"github.com/cyverse/resource-cache/commons"
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

var artifacts = map[string]string{
	"a.jar":      "aaaa",
	"b.jar":      "bbbbbb",
	"plugin.zip": "zip!",
}

func newArtifactServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		content, ok := artifacts[filepath.Base(request.URL.Path)]
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = writer.Write([]byte(content))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestConfig(t *testing.T, baseURL string) *commons.Config {
	base := t.TempDir()

	config := commons.NewDefaultConfig()
	config.CacheRootPath = filepath.Join(base, "cache")
	config.TempRootPath = filepath.Join(base, "temp")
	config.DownloadBaseURL = baseURL
	config.DownloadRetryMax = 0
	config.SweepInterval = 0
	return config
}

func TestFetchListRemove(t *testing.T) {
	server := newArtifactServer(t)

	svc, err := NewCacheService(newTestConfig(t, server.URL))
	require.NoError(t, err)
	defer svc.Release()

	require.NoError(t, svc.Start())

	lock, err := svc.Fetch(context.Background(), "a.jar")
	require.NoError(t, err)

	data, err := os.ReadFile(lock.GetResource().GetPath())
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(data))

	assert.Equal(t, []string{"a.jar"}, svc.List())

	// in use
	removed, err := svc.Remove("a.jar")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, lock.GetResource().GetPath())

	lock.Release()
	assert.NoFileExists(t, lock.GetResource().GetPath())
	assert.Empty(t, svc.List())

	_, err = svc.Fetch(context.Background(), "missing.jar")
	assert.True(t, repository.IsNotFoundError(err))

	_, err = svc.Fetch(context.Background(), "../etc/passwd")
	assert.True(t, commons.IsInvalidArtifactNameError(err))

	_, err = svc.Remove(".tmp")
	assert.True(t, commons.IsInvalidArtifactNameError(err))

	// reserved for disambiguated copies
	_, err = svc.Fetch(context.Background(), "a (1).jar")
	assert.True(t, commons.IsInvalidArtifactNameError(err))
}

func TestFetchAll(t *testing.T) {
	server := newArtifactServer(t)

	svc, err := NewCacheService(newTestConfig(t, server.URL))
	require.NoError(t, err)
	defer svc.Release()

	locks, err := svc.FetchAll(context.Background(), []string{"a.jar", "b.jar", "plugin.zip", "a.jar"})
	require.NoError(t, err)
	require.Len(t, locks, 4)

	assert.Same(t, locks[0].GetResource(), locks[3].GetResource())
	assert.Equal(t, []string{"a.jar", "b.jar", "plugin.zip"}, svc.List())
	assert.Equal(t, 2, svc.GetRepository().GetLockCount("a.jar"))

	for _, lock := range locks {
		lock.Release()
	}

	_, err = svc.FetchAll(context.Background(), []string{"a.jar", "missing.jar"})
	assert.True(t, repository.IsNotFoundError(err))
	assert.Equal(t, 0, svc.GetRepository().GetLockCount("a.jar"))

	require.NoError(t, svc.Clear())
	assert.Empty(t, svc.List())
}

func TestEvictionBySize(t *testing.T) {
	server := newArtifactServer(t)

	config := newTestConfig(t, server.URL)
	config.CacheSizeMax = "10"

	svc, err := NewCacheService(config)
	require.NoError(t, err)
	defer svc.Release()

	for _, name := range []string{"a.jar", "b.jar", "plugin.zip"} {
		lock, err := svc.Fetch(context.Background(), name)
		require.NoError(t, err)
		lock.Release()
	}

	// 4 + 6 + 4 bytes, the oldest goes
	assert.Equal(t, []string{"b.jar", "plugin.zip"}, svc.List())
	assert.Equal(t, repository.SpaceWeight(10), svc.GetRepository().GetTotalWeight())
	assert.NoFileExists(t, filepath.Join(config.CacheRootPath, "a.jar"))
}

func TestRestartKeepsArtifacts(t *testing.T) {
	server := newArtifactServer(t)
	config := newTestConfig(t, server.URL)

	svc, err := NewCacheService(config)
	require.NoError(t, err)

	lock, err := svc.Fetch(context.Background(), "b.jar")
	require.NoError(t, err)
	lock.Release()
	svc.Release()

	_, err = svc.Fetch(context.Background(), "b.jar")
	assert.True(t, commons.IsServiceClosedError(err))

	// offline, served from disk only
	config.DownloadBaseURL = ""
	reopened, err := NewCacheService(config)
	require.NoError(t, err)
	defer reopened.Release()

	assert.Equal(t, []string{"b.jar"}, reopened.List())

	lock, err = reopened.Fetch(context.Background(), "b.jar")
	require.NoError(t, err)
	lock.Release()

	_, err = reopened.Fetch(context.Background(), "a.jar")
	assert.True(t, repository.IsNotFoundError(err))
}

func TestStartStop(t *testing.T) {
	config := newTestConfig(t, "")
	config.SweepInterval = irodsfs_common_utils.Duration(1000000)

	svc, err := NewCacheService(config)
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())
	svc.Stop()
	svc.Stop()

	svc.Release()
	svc.Release()
	assert.True(t, commons.IsServiceClosedError(svc.Start()))
}

func TestStopAfterLoopExit(t *testing.T) {
	svc, err := NewCacheService(newTestConfig(t, ""))
	require.NoError(t, err)
	defer svc.Release()

	require.NoError(t, svc.Start())

	// end the background loop behind the service's back
	svc.terminateChan <- true
	<-svc.doneChan

	stopped := make(chan bool)
	go func() {
		svc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Stop blocked after the background loop exited")
	}

	// restart works
	require.NoError(t, svc.Start())
	svc.Stop()
}

func TestTempRootCoveringCacheRootIsRejected(t *testing.T) {
	config := newTestConfig(t, "")
	require.NoError(t, os.MkdirAll(config.CacheRootPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(config.CacheRootPath, "a.jar"), []byte("aaaa"), 0o644))

	for _, tempRoot := range []string{config.CacheRootPath, filepath.Dir(config.CacheRootPath)} {
		config.TempRootPath = tempRoot
		_, err := NewCacheService(config)
		assert.Error(t, err, tempRoot)
		assert.FileExists(t, filepath.Join(config.CacheRootPath, "a.jar"))
	}
}

func TestNewEvictionPolicyFromConfig(t *testing.T) {
	config := commons.NewDefaultConfig()
	config.CacheSizeMax = "1KB"
	config.CacheSizeLowWaterMark = "512"

	policy, err := NewEvictionPolicyFromConfig(config)
	require.NoError(t, err)

	sizePolicy, ok := policy.(*repository.SizeEvictionPolicy)
	require.True(t, ok)
	assert.Equal(t, repository.SpaceWeight(1024), sizePolicy.HighWaterMark)
	assert.Equal(t, repository.SpaceWeight(512), sizePolicy.LowWaterMark)

	config.EvictionPolicy = commons.EvictionPolicyLRU
	config.LRUMaxEntries = 3
	policy, err = NewEvictionPolicyFromConfig(config)
	require.NoError(t, err)
	assert.Equal(t, 3, policy.(*repository.LRUEvictionPolicy).MaxEntries)

	config.EvictionPolicy = commons.EvictionPolicyNone
	policy, err = NewEvictionPolicyFromConfig(config)
	require.NoError(t, err)
	assert.IsType(t, &repository.NeverEvictionPolicy{}, policy)

	config.EvictionPolicy = "fifo"
	_, err = NewEvictionPolicyFromConfig(config)
	assert.Error(t, err)
}
