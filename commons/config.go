package commons

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	"github.com/cyverse/resource-cache/utils"
	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
	yaml "gopkg.in/yaml.v2"
)

const (
	EnvPrefix string = "RESOURCE_CACHE"

	CacheRootPathDefault           string = "/tmp/resource_cache"
	TempRootPathPrefixDefault      string = "/tmp/resource_cache_temp"
	LogFilePathPrefixDefault       string = "/tmp/resource_cache"
	CacheSizeMaxDefault            string = "20GB"
	EvictionPolicySize             string = "size"
	EvictionPolicyLRU              string = "lru"
	EvictionPolicyNone             string = "none"
	EvictionPolicyDefault          string = EvictionPolicySize
	LRUMaxEntriesDefault           int    = 1000
	DownloadTimeoutDefault                = 5 * time.Minute
	DownloadRetryMaxDefault        int    = 3
	NotFoundCacheTimeoutDefault           = 1 * time.Minute
	SweepIntervalDefault                  = 1 * time.Minute
	ProfileServicePortDefault      int    = 12021
	PrometheusExporterPortDefault  int    = 12022
	workDirPermDefault                    = 0o755
)

var (
	instanceID string
)

// getInstanceID returns instance ID
func getInstanceID() string {
	if len(instanceID) == 0 {
		instanceID = xid.New().String()
	}

	return instanceID
}

// GetDefaultLogFilePath returns default log file path
func GetDefaultLogFilePath() string {
	return fmt.Sprintf("%s_%s.log", LogFilePathPrefixDefault, getInstanceID())
}

// GetDefaultTempRootPath returns default temp root path
func GetDefaultTempRootPath() string {
	return fmt.Sprintf("%s_%s", TempRootPathPrefixDefault, getInstanceID())
}

// Config holds the parameters list which can be configured
type Config struct {
	CacheRootPath         string `envconfig:"CACHE_ROOT_PATH" yaml:"cache_root_path"`
	TempRootPath          string `envconfig:"TEMP_ROOT_PATH" yaml:"temp_root_path"`
	CacheSizeMax          string `envconfig:"CACHE_SIZE_MAX" yaml:"cache_size_max"`
	CacheSizeLowWaterMark string `envconfig:"CACHE_SIZE_LOW_WATER_MARK" yaml:"cache_size_low_water_mark,omitempty"`
	EvictionPolicy        string `envconfig:"EVICTION_POLICY" yaml:"eviction_policy"`
	LRUMaxEntries         int    `envconfig:"LRU_MAX_ENTRIES" yaml:"lru_max_entries,omitempty"`

	DownloadBaseURL      string                        `envconfig:"DOWNLOAD_BASE_URL" yaml:"download_base_url"`
	DownloadTimeout      irodsfs_common_utils.Duration `ignored:"true" yaml:"download_timeout,omitempty"`
	DownloadRetryMax     int                           `envconfig:"DOWNLOAD_RETRY_MAX" yaml:"download_retry_max,omitempty"`
	NotFoundCacheTimeout irodsfs_common_utils.Duration `ignored:"true" yaml:"not_found_cache_timeout,omitempty"`
	SweepInterval        irodsfs_common_utils.Duration `ignored:"true" yaml:"sweep_interval,omitempty"`

	LogPath string `envconfig:"LOG_PATH" yaml:"log_path,omitempty"`
	Debug   bool   `envconfig:"DEBUG" yaml:"debug,omitempty"`

	Profile                bool `envconfig:"PROFILE" yaml:"profile,omitempty"`
	ProfileServicePort     int  `envconfig:"PROFILE_SERVICE_PORT" yaml:"profile_service_port,omitempty"`
	PrometheusExporterPort int  `envconfig:"PROMETHEUS_EXPORTER_PORT" yaml:"prometheus_exporter_port,omitempty"`

	InstanceID string `ignored:"true" yaml:"instanceid,omitempty"`
}

// NewDefaultConfig creates DefaultConfig
func NewDefaultConfig() *Config {
	return &Config{
		CacheRootPath:         CacheRootPathDefault,
		TempRootPath:          GetDefaultTempRootPath(),
		CacheSizeMax:          CacheSizeMaxDefault,
		CacheSizeLowWaterMark: "",
		EvictionPolicy:        EvictionPolicyDefault,
		LRUMaxEntries:         LRUMaxEntriesDefault,

		DownloadBaseURL:      "",
		DownloadTimeout:      irodsfs_common_utils.Duration(DownloadTimeoutDefault),
		DownloadRetryMax:     DownloadRetryMaxDefault,
		NotFoundCacheTimeout: irodsfs_common_utils.Duration(NotFoundCacheTimeoutDefault),
		SweepInterval:        irodsfs_common_utils.Duration(SweepIntervalDefault),

		LogPath: "",
		Debug:   false,

		Profile:                false,
		ProfileServicePort:     ProfileServicePortDefault,
		PrometheusExporterPort: 0,

		InstanceID: getInstanceID(),
	}
}

// NewConfigFromENV creates Config from Environmental Variables, e.g., RESOURCE_CACHE_CACHE_ROOT_PATH
func NewConfigFromENV() (*Config, error) {
	config := NewDefaultConfig()

	err := envconfig.Process(EnvPrefix, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to read config from environmental variables: %w", err)
	}

	return config, nil
}

// NewConfigFromYAML creates Config from YAML
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal YAML: %w", err)
	}

	return config, nil
}

// NewConfigFromFile creates Config from a YAML file
func NewConfigFromFile(configPath string) (*Config, error) {
	yamlBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to read config file %q: %w", configPath, err)
	}

	return NewConfigFromYAML(yamlBytes)
}

// GetLogFilePath returns log file path
func (config *Config) GetLogFilePath() string {
	return config.LogPath
}

// GetCacheSizeMax returns cache size max in bytes
func (config *Config) GetCacheSizeMax() (int64, error) {
	size, err := units.RAMInBytes(config.CacheSizeMax)
	if err != nil {
		return 0, xerrors.Errorf("failed to parse cache size max %q: %w", config.CacheSizeMax, err)
	}
	return size, nil
}

// GetCacheSizeLowWaterMark returns low water mark in bytes, same as cache size max if not set
func (config *Config) GetCacheSizeLowWaterMark() (int64, error) {
	if len(config.CacheSizeLowWaterMark) == 0 {
		return config.GetCacheSizeMax()
	}

	size, err := units.RAMInBytes(config.CacheSizeLowWaterMark)
	if err != nil {
		return 0, xerrors.Errorf("failed to parse cache size low water mark %q: %w", config.CacheSizeLowWaterMark, err)
	}
	return size, nil
}

// MakeWorkDirs makes dirs required
func (config *Config) MakeWorkDirs() error {
	for _, dirPath := range []string{config.CacheRootPath, config.TempRootPath} {
		if len(dirPath) == 0 {
			continue
		}

		err := os.MkdirAll(dirPath, workDirPermDefault)
		if err != nil {
			return xerrors.Errorf("failed to make dir %q: %w", dirPath, err)
		}
	}

	if len(config.LogPath) > 0 && config.LogPath != "-" {
		err := os.MkdirAll(filepath.Dir(config.LogPath), workDirPermDefault)
		if err != nil {
			return xerrors.Errorf("failed to make log dir for %q: %w", config.LogPath, err)
		}
	}

	return nil
}

// CleanWorkDirs removes the temp dir, cached files stay for the next run
func (config *Config) CleanWorkDirs() error {
	if len(config.TempRootPath) == 0 {
		return nil
	}

	tempCoversCache, err := utils.IsSameOrParentPath(config.TempRootPath, config.CacheRootPath)
	if err != nil {
		return err
	}

	if tempCoversCache {
		return nil
	}

	err = os.RemoveAll(config.TempRootPath)
	if err != nil {
		return xerrors.Errorf("failed to remove temp dir %q: %w", config.TempRootPath, err)
	}
	return nil
}

// Validate validates configuration
func (config *Config) Validate() error {
	if len(config.CacheRootPath) == 0 {
		return xerrors.Errorf("cache root path must be given")
	}

	if len(config.TempRootPath) > 0 {
		tempCoversCache, err := utils.IsSameOrParentPath(config.TempRootPath, config.CacheRootPath)
		if err != nil {
			return err
		}

		if tempCoversCache {
			return xerrors.Errorf("temp root path %q must not be the cache root path %q or its parent", config.TempRootPath, config.CacheRootPath)
		}
	}

	cacheSizeMax, err := config.GetCacheSizeMax()
	if err != nil {
		return err
	}

	if cacheSizeMax <= 0 {
		return xerrors.Errorf("cache size max must be positive")
	}

	lowWaterMark, err := config.GetCacheSizeLowWaterMark()
	if err != nil {
		return err
	}

	if lowWaterMark > cacheSizeMax {
		return xerrors.Errorf("cache size low water mark %q must not exceed cache size max %q", config.CacheSizeLowWaterMark, config.CacheSizeMax)
	}

	switch strings.ToLower(config.EvictionPolicy) {
	case EvictionPolicySize, EvictionPolicyNone:
	case EvictionPolicyLRU:
		if config.LRUMaxEntries <= 0 {
			return xerrors.Errorf("lru max entries must be positive")
		}
	default:
		return xerrors.Errorf("unknown eviction policy %q", config.EvictionPolicy)
	}

	if config.DownloadRetryMax < 0 {
		return xerrors.Errorf("download retry max must not be negative")
	}

	if config.SweepInterval < 0 {
		return xerrors.Errorf("sweep interval must not be negative")
	}

	if config.Profile && config.ProfileServicePort <= 0 {
		return xerrors.Errorf("profile service port must be given")
	}

	return nil
}
