package service

import (
	"context"
	"sort"
	"sync"
	"time"

	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	"github.com/cyverse/resource-cache/commons"
	"github.com/cyverse/resource-cache/downloader"
	"github.com/cyverse/resource-cache/filerepo"
	"github.com/cyverse/resource-cache/repository"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	RepositoryName string = "artifacts"
)

// ArtifactLock is a lock on a cached artifact file
type ArtifactLock = repository.ResourceLock[*filerepo.FileResource]

// CacheService is a service object owning the artifact repository
type CacheService struct {
	config     *commons.Config
	downloader *downloader.Downloader[string]
	repository *filerepo.FileRepository[string]

	terminateChan chan bool
	doneChan      chan bool // closed when the background loop exits
	waitGroup     sync.WaitGroup
	started       bool
	terminated    bool
	mutex         sync.Mutex // for start and termination
}

// NewCacheService creates a new cache service, reconciling existing files in the cache root
func NewCacheService(config *commons.Config) (*CacheService, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "NewCacheService",
	})

	err := config.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	policy, err := NewEvictionPolicyFromConfig(config)
	if err != nil {
		return nil, err
	}

	downloaderConfig := downloader.NewDefaultDownloaderConfig()
	downloaderConfig.Timeout = time.Duration(config.DownloadTimeout)
	downloaderConfig.RetryMax = config.DownloadRetryMax
	downloaderConfig.NotFoundCacheTimeout = time.Duration(config.NotFoundCacheTimeout)

	resolver := newOfflineResolver()
	if len(config.DownloadBaseURL) > 0 {
		resolver = downloader.NewBaseURLResolver(config.DownloadBaseURL)
	}

	artifactDownloader := downloader.NewDownloader[string](downloaderConfig, resolver)

	repoConfig := filerepo.NewDefaultFileRepositoryConfig(config.CacheRootPath)
	repoConfig.Name = RepositoryName
	if len(config.TempRootPath) > 0 {
		repoConfig.TempRootPath = config.TempRootPath
	}

	repo, err := filerepo.NewFileRepository[string](repoConfig, filerepo.StringNameMapper, filerepo.StringKeyParser, artifactDownloader, policy)
	if err != nil {
		artifactDownloader.Release()
		logger.WithError(err).Error("failed to open the artifact repository")
		return nil, err
	}

	return &CacheService{
		config:        config,
		downloader:    artifactDownloader,
		repository:    repo,
	}, nil
}

// newOfflineResolver creates a resolver for a cache without download source, every uncached artifact is not found
func newOfflineResolver() downloader.URLResolver[string] {
	return func(name string) (string, error) {
		return "", repository.NewNotFoundErrorf("artifact %q is not cached and no download url is configured", name)
	}
}

// GetRepository returns the artifact repository
func (svc *CacheService) GetRepository() *filerepo.FileRepository[string] {
	return svc.repository
}

// Start starts periodic sweep and statistics reporting in background
func (svc *CacheService) Start() error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "CacheService",
		"function": "Start",
	})

	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.terminated {
		return commons.NewServiceClosedError()
	}

	if svc.started {
		return nil
	}
	svc.started = true

	logger.Infof("Starting the resource cache service at %q", svc.repository.GetRootPath())

	sweepInterval := time.Duration(svc.config.SweepInterval)

	terminateChan := make(chan bool)
	doneChan := make(chan bool)
	svc.terminateChan = terminateChan
	svc.doneChan = doneChan

	svc.waitGroup.Add(1)
	go func() {
		defer svc.waitGroup.Done()
		defer close(doneChan)

		logger := log.WithFields(log.Fields{
			"package": "service",
			"struct":  "CacheService",
		})

		defer irodsfs_common_utils.StackTraceFromPanic(logger)

		var sweepChan <-chan time.Time
		if sweepInterval > 0 {
			sweepTicker := time.NewTicker(sweepInterval)
			defer sweepTicker.Stop()
			sweepChan = sweepTicker.C
		}

		statTicker := time.NewTicker(commons.StatReportIntervalDefault)
		defer statTicker.Stop()

		for {
			select {
			case <-terminateChan:
				// terminate
				return
			case <-sweepChan:
				svc.Sweep()
			case <-statTicker.C:
				svc.PrintStat()
			}
		}
	}()

	return nil
}

// Stop stops background jobs
func (svc *CacheService) Stop() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.started {
		svc.started = false

		select {
		case svc.terminateChan <- true:
		case <-svc.doneChan:
			// the loop has exited already
		}
		svc.waitGroup.Wait()
	}
}

// Release stops the service. Cached files stay on disk for the next run.
func (svc *CacheService) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "CacheService",
		"function": "Release",
	})

	svc.Stop()

	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.terminated {
		// already terminated
		return
	}
	svc.terminated = true

	logger.Info("Releasing the resource cache service")
	svc.downloader.Release()
}

func (svc *CacheService) isTerminated() bool {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	return svc.terminated
}

// Fetch returns a lock on the cached artifact file, downloading it first if necessary.
// The caller must release the lock.
func (svc *CacheService) Fetch(ctx context.Context, name string) (*ArtifactLock, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "CacheService",
		"function": "Fetch",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	promCounterForFetch.Inc()

	if svc.isTerminated() {
		return nil, commons.NewServiceClosedError()
	}

	if _, ok := filerepo.StringKeyParser(name); !ok {
		promCounterForFetchFailures.Inc()
		return nil, commons.NewInvalidArtifactNameError(name)
	}

	lock, err := svc.repository.Get(ctx, name)
	if err != nil {
		promCounterForFetchFailures.Inc()
		if repository.IsNotFoundError(err) {
			logger.Debugf("Artifact %q is not found", name)
		} else {
			logger.WithError(err).Errorf("Failed to fetch artifact %q", name)
		}
		return nil, err
	}

	logger.Debugf("Fetched artifact %q at %q", name, lock.GetResource().GetPath())
	return lock, nil
}

// FetchAll fetches artifacts concurrently. On failure, locks already acquired are released.
func (svc *CacheService) FetchAll(ctx context.Context, names []string) ([]*ArtifactLock, error) {
	locks := make([]*ArtifactLock, len(names))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(commons.FetchConcurrencyDefault)

	for idx, name := range names {
		lockIdx := idx
		artifactName := name
		group.Go(func() error {
			lock, err := svc.Fetch(groupCtx, artifactName)
			if err != nil {
				return err
			}

			locks[lockIdx] = lock
			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		for _, lock := range locks {
			if lock != nil {
				lock.Release()
			}
		}
		return nil, err
	}

	return locks, nil
}

// List returns names of cached artifacts in order
func (svc *CacheService) List() []string {
	promCounterForList.Inc()

	names := svc.repository.GetAllExistingKeys()
	sort.Strings(names)
	return names
}

// Remove deletes the artifact file, or schedules deletion if it is in use.
// Returns true if the file was deleted immediately.
func (svc *CacheService) Remove(name string) (bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "CacheService",
		"function": "Remove",
	})

	promCounterForRemove.Inc()

	if svc.isTerminated() {
		return false, commons.NewServiceClosedError()
	}

	if _, ok := filerepo.StringKeyParser(name); !ok {
		return false, commons.NewInvalidArtifactNameError(name)
	}

	removed := svc.repository.Remove(name)
	logger.Infof("Removed artifact %q, deleted immediately: %t", name, removed)
	return removed, nil
}

// Clear deletes all artifact files, files in use are deleted when released
func (svc *CacheService) Clear() error {
	promCounterForRemove.Inc()

	if svc.isTerminated() {
		return commons.NewServiceClosedError()
	}

	svc.repository.RemoveAll()
	svc.downloader.ClearNotFoundCache()
	return nil
}

// Sweep runs one eviction pass
func (svc *CacheService) Sweep() {
	promCounterForSweep.Inc()
	svc.repository.Sweep()
}

// PrintStat logs repository statistics
func (svc *CacheService) PrintStat() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "CacheService",
		"function": "PrintStat",
	})

	logger.Infof("Total %d cached artifacts, %s in %q", svc.repository.GetEntryCount(), svc.repository.GetTotalWeight().String(), svc.repository.GetRootPath())
}
