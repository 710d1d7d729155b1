package commons

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cyverse/resource-cache/commons"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func SetCommonFlags(command *cobra.Command) {
	command.Flags().BoolP("version", "v", false, "Print version")
	command.Flags().BoolP("help", "h", false, "Print help")
	command.Flags().BoolP("debug", "d", false, "Enable debug mode")
	command.Flags().BoolP("profile", "", false, "Enable profiling")

	command.Flags().BoolP("list", "l", false, "List cached artifacts")
	command.Flags().BoolP("remove", "r", false, "Remove given artifacts from the cache")
	command.Flags().BoolP("clear", "", false, "Remove all cached artifacts")
	command.Flags().BoolP("serve", "", false, "Keep running with periodic cleanup until interrupted")

	command.Flags().StringP("config", "", "", "Set config file (yaml)")
	command.Flags().StringP("log", "", "", "Set log file path")
	command.Flags().StringP("cache_root", "", "", "Set cache root path")
	command.Flags().StringP("temp_root", "", "", "Set temp file root path")
	command.Flags().StringP("cache_size_max", "", "", "Set cache max size, e.g., 20GB")
	command.Flags().IntP("lru_count", "", 0, "Use LRU eviction keeping the given number of artifacts")
	command.Flags().StringP("download_url", "", "", "Set base URL to download artifacts from")

	command.Flags().IntP("profile_port", "", commons.ProfileServicePortDefault, "Set profile service port")
	command.Flags().IntP("prometheus_exporter_port", "", 0, "Set prometheus exporter port")
}

func getBoolFlag(command *cobra.Command, name string) bool {
	flag := command.Flags().Lookup(name)
	if flag == nil {
		return false
	}

	value, err := strconv.ParseBool(flag.Value.String())
	if err != nil {
		return false
	}
	return value
}

func getStringFlag(command *cobra.Command, name string) string {
	flag := command.Flags().Lookup(name)
	if flag == nil {
		return ""
	}
	return flag.Value.String()
}

func getIntFlag(command *cobra.Command, name string) (int, error) {
	flag := command.Flags().Lookup(name)
	if flag == nil {
		return 0, nil
	}

	value, err := strconv.ParseInt(flag.Value.String(), 10, 32)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

// IsListMode returns true if --list is given
func IsListMode(command *cobra.Command) bool {
	return getBoolFlag(command, "list")
}

// IsRemoveMode returns true if --remove is given
func IsRemoveMode(command *cobra.Command) bool {
	return getBoolFlag(command, "remove")
}

// IsClearMode returns true if --clear is given
func IsClearMode(command *cobra.Command) bool {
	return getBoolFlag(command, "clear")
}

// IsServeMode returns true if --serve is given
func IsServeMode(command *cobra.Command) bool {
	return getBoolFlag(command, "serve")
}

func ProcessCommonFlags(command *cobra.Command) (*commons.Config, io.WriteCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ProcessCommonFlags",
	})

	debug := getBoolFlag(command, "debug")
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if getBoolFlag(command, "help") {
		PrintHelp(command)
		return nil, nil, false, nil // stop here
	}

	if getBoolFlag(command, "version") {
		PrintVersion(command)
		return nil, nil, false, nil // stop here
	}

	var config *commons.Config

	configPath := getStringFlag(command, "config")
	if len(configPath) > 0 {
		fileConfig, err := commons.NewConfigFromFile(configPath)
		if err != nil {
			logger.Error(err)
			return nil, nil, false, err // stop here
		}

		config = fileConfig
	} else {
		envConfig, err := commons.NewConfigFromENV()
		if err != nil {
			logger.Error(err)
			return nil, nil, false, err // stop here
		}

		config = envConfig
	}

	// prioritize command-line flag over config files
	if debug {
		config.Debug = true
	}

	if getBoolFlag(command, "profile") {
		config.Profile = true
	}

	if logPath := getStringFlag(command, "log"); len(logPath) > 0 {
		config.LogPath = logPath
	}

	if cacheRoot := getStringFlag(command, "cache_root"); len(cacheRoot) > 0 {
		config.CacheRootPath = cacheRoot
	}

	if tempRoot := getStringFlag(command, "temp_root"); len(tempRoot) > 0 {
		config.TempRootPath = tempRoot
	}

	if cacheSizeMax := getStringFlag(command, "cache_size_max"); len(cacheSizeMax) > 0 {
		config.CacheSizeMax = cacheSizeMax
	}

	if downloadURL := getStringFlag(command, "download_url"); len(downloadURL) > 0 {
		config.DownloadBaseURL = downloadURL
	}

	lruCount, err := getIntFlag(command, "lru_count")
	if err != nil {
		logger.WithError(err).Errorf("failed to convert input to int")
		return nil, nil, false, err // stop here
	}

	if lruCount > 0 {
		config.EvictionPolicy = commons.EvictionPolicyLRU
		config.LRUMaxEntries = lruCount
	}

	profilePort, err := getIntFlag(command, "profile_port")
	if err != nil {
		logger.WithError(err).Errorf("failed to convert input to int")
		return nil, nil, false, err // stop here
	}

	if profilePort > 0 {
		config.ProfileServicePort = profilePort
	}

	prometheusExporterPort, err := getIntFlag(command, "prometheus_exporter_port")
	if err != nil {
		logger.WithError(err).Errorf("failed to convert input to int")
		return nil, nil, false, err // stop here
	}

	if prometheusExporterPort > 0 {
		config.PrometheusExporterPort = prometheusExporterPort
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	err = config.Validate()
	if err != nil {
		logger.Error(err)
		return nil, nil, false, err // stop here
	}

	var logWriter io.WriteCloser
	if config.LogPath == "-" || len(config.LogPath) == 0 {
		log.SetOutput(os.Stderr)
	} else {
		logWriter = getLogWriter(config.LogPath)

		// use multi output - to output to file and stderr
		mw := io.MultiWriter(os.Stderr, logWriter)
		log.SetOutput(mw)

		logger.Infof("Logging to %s", config.LogPath)
	}

	return config, logWriter, true, nil // continue
}

func PrintVersion(command *cobra.Command) error {
	info, err := commons.GetVersionJSON()
	if err != nil {
		return err
	}

	fmt.Println(info)
	return nil
}

func PrintHelp(command *cobra.Command) error {
	return command.Usage()
}

func getLogWriter(logPath string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    commons.LogFileMaxSizeMB,
		MaxBackups: commons.LogFileMaxBackups,
		MaxAge:     commons.LogFileMaxAgeDays,
		Compress:   false,
	}
}
