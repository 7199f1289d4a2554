// Command slackirc runs the IRC-to-Slack bridge. It is a thin wiring
// shim: parse flags, load config, build a logger, hand off to the
// supervisor. None of the bridge's logic lives here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/tamcore/slackirc/internal/config"
	"github.com/tamcore/slackirc/internal/supervisor"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.StringP("config", "c", "slackirc.conf", "path to the properties config file")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("slackirc " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "slackirc:", err)
		os.Exit(1)
	}

	log := logger.New()
	log.SetFormatter(&logger.TextFormatter{FullTimestamp: true})
	switch {
	case cfg.Trace, cfg.DebugDump:
		log.SetLevel(logger.TraceLevel)
	case cfg.Debug:
		log.SetLevel(logger.DebugLevel)
	default:
		log.SetLevel(logger.InfoLevel)
	}

	sup := supervisor.New(cfg, version, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("supervisor exited")
		os.Exit(1)
	}
}
