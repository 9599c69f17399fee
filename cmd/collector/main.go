// Command collector is the process entry point: it loads a config file,
// connects the Publisher, builds the Manager, and runs until a shutdown
// signal arrives. Wiring only; every piece of actual logic lives in
// internal/*.
package main

import (
	"flag"
	"os"
	"syscall"
	"time"

	"github.com/sequex/marketdata-core/internal/config"
	"github.com/sequex/marketdata-core/internal/manager"
	"github.com/sequex/marketdata-core/internal/publisher"
	"github.com/sequex/marketdata-core/internal/shutdown"
	"github.com/sequex/marketdata-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the collector config JSON file")
	dev := flag.Bool("dev", false, "enable human-readable development logging")
	flag.Parse()

	logger.InitLogger(*dev)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Invalid config is the one error class that terminates the
		// process outright.
		logger.Log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	pub, err := publisher.Connect(cfg.NATS, logger.Log)
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to connect publisher")
		os.Exit(2)
	}

	sd := shutdown.New(logger.Log, os.Interrupt, syscall.SIGTERM)
	sd.Hook("publisher", pub.Close, 10*time.Second)

	mgr := manager.New(cfg, pub, logger.Log)

	go func() {
		if err := mgr.Run(sd.Context()); err != nil {
			logger.Log.Error().Err(err).Msg("manager exited with an unrecoverable setup error")
			sd.Trigger()
			os.Exit(2)
		}
	}()

	logger.Log.Info().Int("collectors", len(cfg.Collectors)).Msg("collector running")
	sd.Wait()
}
