package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cmd_commons "github.com/cyverse/resource-cache/cmd/commons"
	"github.com/cyverse/resource-cache/commons"
	"github.com/cyverse/resource-cache/service"
	log "github.com/sirupsen/logrus"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "resource-cache [artifact names..]",
	Short: "Fetch artifacts through a local resource cache",
	Long:  "Fetch artifacts through a local resource cache. Cached artifact paths are printed, missing artifacts are downloaded first.",
	RunE:  processCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func processCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	return run(command, config, args)
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000000",
		FullTimestamp:   true,
	})

	log.SetLevel(log.InfoLevel)

	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	// attach common flags
	cmd_commons.SetCommonFlags(rootCmd)

	err := Execute()
	if err != nil {
		logger.Fatal(err)
		os.Exit(1)
	}
}

// run runs the resource cache
func run(command *cobra.Command, config *commons.Config, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "run",
	})

	versionInfo := commons.GetVersion()
	logger.Infof("Resource cache version - %s, commit - %s", versionInfo.ServiceVersion, versionInfo.GitCommit)

	// make work dirs required
	err := config.MakeWorkDirs()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return err
	}

	defer config.CleanWorkDirs()

	// profile
	if config.Profile && config.ProfileServicePort > 0 {
		go func() {
			profileServiceAddr := fmt.Sprintf(":%d", config.ProfileServicePort)

			logger.Infof("Starting profile service at %s", profileServiceAddr)
			http.ListenAndServe(profileServiceAddr, nil)
		}()

		prof := profile.Start(profile.MemProfile)
		defer prof.Stop()
	}

	var prometheusExporterServer *http.Server
	if config.PrometheusExporterPort > 0 {
		prometheusExporterAddr := fmt.Sprintf(":%d", config.PrometheusExporterPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		prometheusExporterServer = &http.Server{Addr: prometheusExporterAddr, Handler: mux}

		go func() {
			logger.Infof("Starting prometheus exporter at %s", prometheusExporterAddr)
			prometheusExporterServer.ListenAndServe()
		}()

		defer prometheusExporterServer.Shutdown(context.TODO())
	}

	svc, err := service.NewCacheService(config)
	if err != nil {
		logger.WithError(err).Error("failed to create the service")
		return err
	}
	defer svc.Release()

	switch {
	case cmd_commons.IsClearMode(command):
		return svc.Clear()
	case cmd_commons.IsRemoveMode(command):
		for _, name := range args {
			removed, removeErr := svc.Remove(name)
			if removeErr != nil {
				return removeErr
			}

			if removed {
				fmt.Printf("removed %s\n", name)
			} else {
				fmt.Printf("scheduled removal of %s\n", name)
			}
		}
		return nil
	case cmd_commons.IsListMode(command):
		printList(svc)
		return nil
	}

	if len(args) > 0 {
		err = fetch(svc, args)
		if err != nil {
			return err
		}
	}

	if cmd_commons.IsServeMode(command) {
		err = svc.Start()
		if err != nil {
			logger.WithError(err).Error("failed to start the service")
			return err
		}

		// wait
		waitForCtrlC()
	}

	return nil
}

func fetch(svc *service.CacheService, names []string) error {
	locks, err := svc.FetchAll(context.Background(), names)
	if err != nil {
		return err
	}

	for _, lock := range locks {
		fmt.Println(lock.GetResource().GetPath())
		lock.Release()
	}
	return nil
}

func printList(svc *service.CacheService) {
	names := svc.List()
	for _, name := range names {
		fmt.Println(name)
	}

	repo := svc.GetRepository()
	fmt.Fprintf(os.Stderr, "total %d artifacts, %s in %s\n", len(names), repo.GetTotalWeight().String(), repo.GetRootPath())
}

func waitForCtrlC() {
	var endWaiter sync.WaitGroup

	endWaiter.Add(1)
	signalChannel := make(chan os.Signal, 1)

	signal.Notify(signalChannel, os.Interrupt)

	go func() {
		<-signalChannel
		endWaiter.Done()
	}()

	endWaiter.Wait()
}
