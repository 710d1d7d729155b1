package filerepo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyverse/resource-cache/repository"
	"github.com/cyverse/resource-cache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	TempDirNameDefault       string = ".tmp"
	MaxNameSuffixDefault     int    = 10000
	CleanupConcurrentDefault int    = 8
	dirPermDefault                  = 0o755
)

// FileRepositoryConfig is a configuration for FileRepository
type FileRepositoryConfig struct {
	Name string
	// RootPath is the directory exclusively owned by the repository
	RootPath string
	// TempRootPath receives files being produced, defaults to RootPath/.tmp.
	// It should be on the same filesystem as RootPath.
	TempRootPath string
	// MaxNameSuffix bounds disambiguation suffixes, "name (MaxNameSuffix).ext" is the last attempt
	MaxNameSuffix int
	Clock         func() time.Time
}

// NewDefaultFileRepositoryConfig creates FileRepositoryConfig with defaults
func NewDefaultFileRepositoryConfig(rootPath string) *FileRepositoryConfig {
	return &FileRepositoryConfig{
		Name:          repository.RepositoryNameDefault,
		RootPath:      rootPath,
		TempRootPath:  filepath.Join(rootPath, TempDirNameDefault),
		MaxNameSuffix: MaxNameSuffixDefault,
		Clock:         time.Now,
	}
}

// FileRepository is a ResourceRepository of files in a directory.
// Existing files are reconciled with the index on creation.
type FileRepository[K comparable] struct {
	*repository.ResourceRepository[K, *FileResource]

	config   *FileRepositoryConfig
	mapper   FileNameMapper[K]
	parser   FileKeyParser[K]
	producer FileProducer[K]

	placementMutex sync.Mutex // serializes choosing names and moving files in
}

// NewFileRepository creates a FileRepository over config.RootPath.
// Files whose names parse to keys become entries, all other files and directories are deleted.
func NewFileRepository[K comparable](config *FileRepositoryConfig, mapper FileNameMapper[K], parser FileKeyParser[K], producer FileProducer[K], policy repository.EvictionPolicy) (*FileRepository[K], error) {
	logger := log.WithFields(log.Fields{
		"package":  "filerepo",
		"function": "NewFileRepository",
	})

	if config == nil || len(config.RootPath) == 0 {
		return nil, xerrors.Errorf("repository root path is not given")
	}

	if mapper == nil || parser == nil {
		return nil, xerrors.Errorf("file name mapper and key parser must be given")
	}

	rootPath, err := filepath.Abs(config.RootPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to get absolute path of %q: %w", config.RootPath, err)
	}
	config.RootPath = rootPath

	if len(config.TempRootPath) == 0 {
		config.TempRootPath = filepath.Join(rootPath, TempDirNameDefault)
	}

	tempRootPath, err := filepath.Abs(config.TempRootPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to get absolute path of %q: %w", config.TempRootPath, err)
	}
	config.TempRootPath = tempRootPath

	// the temp dir is wiped on open
	tempCoversRoot, err := utils.IsSameOrParentPath(tempRootPath, rootPath)
	if err != nil {
		return nil, err
	}

	if tempCoversRoot {
		return nil, xerrors.Errorf("temp dir %q must not be the repository dir %q or its parent", tempRootPath, rootPath)
	}

	if config.MaxNameSuffix <= 0 {
		config.MaxNameSuffix = MaxNameSuffixDefault
	}

	err = os.MkdirAll(rootPath, dirPermDefault)
	if err != nil {
		return nil, xerrors.Errorf("failed to make repository dir %q: %w", rootPath, err)
	}

	repo := &FileRepository[K]{
		config:   config,
		mapper:   mapper,
		parser:   parser,
		producer: producer,
	}

	repoConfig := &repository.ResourceRepositoryConfig{
		Name:  config.Name,
		Clock: config.Clock,
	}
	repo.ResourceRepository = repository.NewResourceRepository[K, *FileResource](repoConfig, repository.ProducerFunc[K, *FileResource](repo.produce), policy, repo.dispose)

	err = repo.reconcile()
	if err != nil {
		return nil, err
	}

	// the temp dir may live inside the root, it is wiped after reconciliation
	err = os.RemoveAll(tempRootPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to clean temp dir %q: %w", tempRootPath, err)
	}

	err = os.MkdirAll(tempRootPath, dirPermDefault)
	if err != nil {
		return nil, xerrors.Errorf("failed to make temp dir %q: %w", tempRootPath, err)
	}

	repo.Sweep()

	logger.Infof("Opened file repository %q at %q with %d entries, total %s", config.Name, rootPath, repo.GetEntryCount(), repo.GetTotalWeight().String())
	return repo, nil
}

// GetRootPath returns the repository directory
func (repo *FileRepository[K]) GetRootPath() string {
	return repo.config.RootPath
}

// GetTempRootPath returns the directory given to producers
func (repo *FileRepository[K]) GetTempRootPath() string {
	return repo.config.TempRootPath
}

// GetFileName returns mapped file name for the key, without disambiguation
func (repo *FileRepository[K]) GetFileName(key K) string {
	return repo.mapper(key)
}

// reconcile registers recognizable files and deletes everything else in the root directory
func (repo *FileRepository[K]) reconcile() error {
	logger := log.WithFields(log.Fields{
		"package":  "filerepo",
		"struct":   "FileRepository",
		"function": "reconcile",
	})

	dirEntries, err := os.ReadDir(repo.config.RootPath)
	if err != nil {
		return xerrors.Errorf("failed to read repository dir %q: %w", repo.config.RootPath, err)
	}

	stray := []string{}
	suffixed := []os.DirEntry{}

	register := func(dirEntry os.DirEntry, key K) bool {
		info, infoErr := dirEntry.Info()
		if infoErr != nil {
			logger.WithError(infoErr).Warnf("Failed to stat %q", dirEntry.Name())
			return false
		}

		path := filepath.Join(repo.config.RootPath, dirEntry.Name())
		resource := newFileResource(path, dirEntry.Name(), info.Size())
		return repo.Add(key, resource, repository.SpaceWeight(info.Size()), info.ModTime())
	}

	// canonical names win over disambiguated copies of the same key.
	// A suffixed name is a copy if its original name parses, whatever the parser says of the full name.
	suffixedKeys := []K{}
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		path := filepath.Join(repo.config.RootPath, name)

		if !dirEntry.Type().IsRegular() || isTempFileName(name) {
			stray = append(stray, path)
			continue
		}

		if original, hasSuffix := StripDisambiguationSuffix(name); hasSuffix {
			if key, ok := repo.parser(original); ok {
				suffixed = append(suffixed, dirEntry)
				suffixedKeys = append(suffixedKeys, key)
				continue
			}
		}

		key, ok := repo.parser(name)
		if !ok || !register(dirEntry, key) {
			stray = append(stray, path)
		}
	}

	for idx, dirEntry := range suffixed {
		if !register(dirEntry, suffixedKeys[idx]) {
			stray = append(stray, filepath.Join(repo.config.RootPath, dirEntry.Name()))
		}
	}

	if len(stray) > 0 {
		logger.Infof("Deleting %d unrecognized files in %q", len(stray), repo.config.RootPath)
	}

	group := errgroup.Group{}
	group.SetLimit(CleanupConcurrentDefault)
	for _, path := range stray {
		strayPath := path
		group.Go(func() error {
			logger.Debugf("Deleting %q", strayPath)
			removeErr := os.RemoveAll(strayPath)
			if removeErr != nil {
				logger.WithError(removeErr).Errorf("Failed to delete %q", strayPath)
			}
			return nil
		})
	}
	return group.Wait()
}

// produce obtains a file from the FileProducer and moves it into the repository directory
func (repo *FileRepository[K]) produce(ctx context.Context, key K) (*FileResource, repository.SpaceWeight, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filerepo",
		"struct":   "FileRepository",
		"function": "produce",
	})

	name := repo.mapper(key)
	if !IsValidFileName(name) {
		return nil, 0, repository.NewStructuralErrorf("key is mapped to invalid file name %q", name)
	}

	if repo.producer == nil {
		return nil, 0, repository.NewStructuralError("no file producer is configured")
	}

	tempPath, err := repo.producer.ProduceFile(ctx, key, repo.config.TempRootPath)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		// no-op once moved
		removeErr := utils.RemoveFile(tempPath)
		if removeErr != nil {
			logger.WithError(removeErr).Warnf("Failed to remove temp file %q", tempPath)
		}
	}()

	size, err := utils.GetFileSize(tempPath)
	if err != nil {
		return nil, 0, xerrors.Errorf("failed to stat produced file %q: %w", tempPath, err)
	}

	path, err := repo.placeFile(tempPath, name)
	if err != nil {
		return nil, 0, err
	}

	logger.Debugf("Placed %q (%d bytes) for file name %q", path, size, name)
	return newFileResource(path, filepath.Base(path), size), repository.SpaceWeight(size), nil
}

// placeFile moves tempPath into the root under name, or the first free "name (n).ext"
func (repo *FileRepository[K]) placeFile(tempPath string, name string) (string, error) {
	repo.placementMutex.Lock()
	defer repo.placementMutex.Unlock()

	for n := 0; n <= repo.config.MaxNameSuffix; n++ {
		target := filepath.Join(repo.config.RootPath, MakeDisambiguatedName(name, n))

		exist, err := utils.ExistFile(target)
		if err != nil {
			return "", xerrors.Errorf("failed to check %q: %w", target, err)
		}

		if exist {
			continue
		}

		err = utils.MoveFile(tempPath, target, tempFilePrefix)
		if err != nil {
			return "", err
		}
		return target, nil
	}

	return "", repository.NewStructuralErrorf("no free file name for %q in %q after %d attempts", name, repo.config.RootPath, repo.config.MaxNameSuffix+1)
}

// dispose deletes the file of a destroyed entry
func (repo *FileRepository[K]) dispose(key K, resource *FileResource) error {
	logger := log.WithFields(log.Fields{
		"package":  "filerepo",
		"struct":   "FileRepository",
		"function": "dispose",
	})

	logger.Debugf("Deleting %q", resource.GetPath())

	err := utils.RemoveFile(resource.GetPath())
	if err != nil {
		return xerrors.Errorf("failed to delete %q: %w", resource.GetPath(), err)
	}
	return nil
}
