package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	wave "github.com/i5heu/ouroboros-wave"
	"github.com/i5heu/ouroboros-wave/internal/config"
	"github.com/i5heu/ouroboros-wave/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeyDomain     = "domain"
	logKeySignal     = "signal"
	logKeyError      = "error"
)

func main() {
	flags := parseFlags()

	conf, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, level)

	logger.Info("starting wave daemon",
		logKeyListenAddr, conf.Listen,
		logKeyDataPath, conf.DataPath,
		logKeyDomain, conf.Domain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags.inMemory, logger); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}

type daemonFlags struct {
	configPath string
	listenAddr string
	dataPath   string
	domain     string
	inMemory   bool
	debug      bool
}

func parseFlags() daemonFlags {
	f := daemonFlags{}

	flag.StringVar(&f.configPath, "config", "",
		"Path to a YAML config file")
	flag.StringVar(&f.listenAddr, "listen", "",
		"Address of the HTTP and websocket listener")
	flag.StringVar(&f.dataPath, "data", "",
		"Path to data directory")
	flag.StringVar(&f.domain, "domain", "",
		"Local wave domain")
	flag.BoolVar(&f.inMemory, "in-memory", false,
		"Keep all data in memory")
	flag.BoolVar(&f.debug, "debug", false,
		"Enable debug logging")

	flag.Parse()

	return f
}

// loadConfig reads the config file, if any, and lets flags override it.
func loadConfig(f daemonFlags) (config.Config, error) {
	conf := config.Default()
	if f.configPath != "" {
		var err error
		if conf, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.listenAddr != "" {
		conf.Listen = f.listenAddr
	}
	if f.dataPath != "" {
		conf.DataPath = f.dataPath
	}
	if f.domain != "" {
		conf.Domain = f.domain
	}
	if f.debug {
		conf.LogLevel = "debug"
	}
	return conf, nil
}

func serverConfig(conf config.Config, inMemory bool, logger *slog.Logger) wave.Config {
	return wave.Config{
		Domain:              conf.Domain,
		DataPath:            conf.DataPath,
		InMemory:            inMemory,
		MinimumFreeGB:       conf.MinimumFreeGB,
		MaxWaves:            conf.Cache.MaxWaves,
		MaxWavelets:         conf.Cache.MaxWavelets,
		ExpireAfterAccess:   conf.Cache.ExpireAfterAccess,
		SweepInterval:       conf.Cache.SweepInterval,
		LoadWorkers:         conf.Workers.Load,
		IndexingWorkers:     conf.Workers.Indexing,
		PersistWorkers:      conf.Workers.Persist,
		ContinuationWorkers: conf.Workers.Continuation,
		LoadTimeout:         conf.LoadTimeout,
		CloseGrace:          conf.CloseGrace,
		MaxTransformSpan:    conf.MaxTransformSpan,
		Logger:              logger,
	}
}

func run(ctx context.Context, conf config.Config, inMemory bool, logger *slog.Logger) error {
	server, err := wave.New(serverConfig(conf, inMemory, logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := server.Run(ctx, conf.Listen); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
