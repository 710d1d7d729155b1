package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/cyverse/resource-cache/repository"
	"github.com/cyverse/resource-cache/utils"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	TimeoutDefault              time.Duration = 5 * time.Minute
	RetryMaxDefault             int           = 3
	RetryDelayDefault           time.Duration = 1 * time.Second
	NotFoundCacheTimeoutDefault time.Duration = 1 * time.Minute
	NotFoundCacheCleanupDefault time.Duration = 5 * time.Minute
	UserAgentDefault            string        = "resource-cache"

	downloadFilePattern string = "download-*"
)

// URLResolver returns the URL to download the resource for the key from
type URLResolver[K comparable] func(key K) (string, error)

// NewBaseURLResolver creates URLResolver that appends escaped names to baseURL
func NewBaseURLResolver(baseURL string) URLResolver[string] {
	base := strings.TrimSuffix(baseURL, "/")

	return func(name string) (string, error) {
		if len(name) == 0 || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
			return "", xerrors.Errorf("invalid resource name %q", name)
		}
		return fmt.Sprintf("%s/%s", base, url.PathEscape(name)), nil
	}
}

// DownloaderConfig is a configuration for Downloader
type DownloaderConfig struct {
	// Timeout bounds a single download attempt
	Timeout time.Duration
	// RetryMax is the number of retries after the first failed attempt
	RetryMax   int
	RetryDelay time.Duration
	// NotFoundCacheTimeout is how long a not found result is remembered, 0 disables it
	NotFoundCacheTimeout time.Duration
	NotFoundCacheCleanup time.Duration
	UserAgent            string
}

// NewDefaultDownloaderConfig creates DownloaderConfig with defaults
func NewDefaultDownloaderConfig() *DownloaderConfig {
	return &DownloaderConfig{
		Timeout:              TimeoutDefault,
		RetryMax:             RetryMaxDefault,
		RetryDelay:           RetryDelayDefault,
		NotFoundCacheTimeout: NotFoundCacheTimeoutDefault,
		NotFoundCacheCleanup: NotFoundCacheCleanupDefault,
		UserAgent:            UserAgentDefault,
	}
}

// Downloader produces files by downloading them over HTTP
type Downloader[K comparable] struct {
	config        *DownloaderConfig
	resolver      URLResolver[K]
	client        *http.Client
	notFoundCache *gocache.Cache
}

// NewDownloader creates a new Downloader
func NewDownloader[K comparable](config *DownloaderConfig, resolver URLResolver[K]) *Downloader[K] {
	if config == nil {
		config = NewDefaultDownloaderConfig()
	}

	if config.RetryMax < 0 {
		config.RetryMax = 0
	}

	if len(config.UserAgent) == 0 {
		config.UserAgent = UserAgentDefault
	}

	return &Downloader[K]{
		config:   config,
		resolver: resolver,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		notFoundCache: gocache.New(config.NotFoundCacheTimeout, config.NotFoundCacheCleanup),
	}
}

// Release releases resources
func (downloader *Downloader[K]) Release() {
	downloader.notFoundCache.Flush()
	downloader.client.CloseIdleConnections()
}

// ClearNotFoundCache forgets all remembered not found results
func (downloader *Downloader[K]) ClearNotFoundCache() {
	downloader.notFoundCache.Flush()
}

// ProduceFile downloads the resource for the key into tempDir.
// Returns NotFoundError if the server responds 404 or 410.
func (downloader *Downloader[K]) ProduceFile(ctx context.Context, key K, tempDir string) (string, error) {
	logger := log.WithFields(log.Fields{
		"package":  "downloader",
		"struct":   "Downloader",
		"function": "ProduceFile",
	})

	if downloader.resolver == nil {
		return "", xerrors.Errorf("no url resolver is configured")
	}

	resourceURL, err := downloader.resolver(key)
	if err != nil {
		return "", xerrors.Errorf("failed to resolve url: %w", err)
	}

	if cached, ok := downloader.notFoundCache.Get(resourceURL); ok {
		if notFoundErr, ok := cached.(error); ok {
			logger.Debugf("Not found result for %q is cached", resourceURL)
			return "", notFoundErr
		}
	}

	var tempPath string
	attempts := uint(downloader.config.RetryMax + 1)

	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(downloader.config.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.WithError(retryErr).Warnf("Retrying download of %q (attempt %d)", resourceURL, n+2)
		}),
	).Do(func() error {
		path, downloadErr := downloader.download(ctx, resourceURL, tempDir)
		if downloadErr != nil {
			return downloadErr
		}

		tempPath = path
		return nil
	})
	if err != nil {
		if repository.IsNotFoundError(err) {
			if downloader.config.NotFoundCacheTimeout > 0 {
				downloader.notFoundCache.Set(resourceURL, err, gocache.DefaultExpiration)
			}
			return "", err
		}
		return "", xerrors.Errorf("failed to download %q: %w", resourceURL, err)
	}

	logger.Debugf("Downloaded %q to %q", resourceURL, tempPath)
	return tempPath, nil
}

// download makes a single attempt, wrapping errors that must not be retried with retry.Unrecoverable
func (downloader *Downloader[K]) download(ctx context.Context, resourceURL string, tempDir string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return "", retry.Unrecoverable(xerrors.Errorf("failed to make request for %q: %w", resourceURL, err))
	}
	request.Header.Set("User-Agent", downloader.config.UserAgent)

	response, err := downloader.client.Do(request)
	if err != nil {
		return "", xerrors.Errorf("failed to request %q: %w", resourceURL, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone:
		return "", retry.Unrecoverable(repository.NewNotFoundErrorf("server responded %q for %q", response.Status, resourceURL))
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError:
		return "", xerrors.Errorf("server responded %q for %q", response.Status, resourceURL)
	case response.StatusCode != http.StatusOK:
		return "", retry.Unrecoverable(xerrors.Errorf("server responded %q for %q", response.Status, resourceURL))
	}

	file, err := os.CreateTemp(tempDir, downloadFilePattern)
	if err != nil {
		return "", retry.Unrecoverable(xerrors.Errorf("failed to create temp file in %q: %w", tempDir, err))
	}

	written, err := io.Copy(file, response.Body)
	if err == nil && response.ContentLength >= 0 && written != response.ContentLength {
		err = xerrors.Errorf("received %d bytes, expected %d", written, response.ContentLength)
	}

	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}

	if err != nil {
		_ = utils.RemoveFile(file.Name())
		return "", xerrors.Errorf("failed to receive %q: %w", resourceURL, err)
	}

	return file.Name(), nil
}
