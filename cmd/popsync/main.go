package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/errors"
	"github.com/migadu/popsync/pkg/metrics"
	"github.com/migadu/popsync/pop3sync"
	"github.com/migadu/popsync/server/httpapi"
	"github.com/migadu/popsync/session"
	"github.com/migadu/popsync/syncer"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	once := flag.Bool("once", false, "Sync every account once and exit")
	sendFile := flag.String("send", "", "Submit the message in this file with XTND XMIT and exit")
	account := flag.String("account", "", "Account of -send")
	identity := flag.String("identity", "", "Sub-account identity of -send (default sub-account if empty)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("popsync version %s (commit: %s, built at: %s)\n", version, commit, date)
		return 0
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		errorHandler.ConfigError(*configPath, err)
		return errorHandler.ExitCode()
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		return errorHandler.ExitCode()
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "popsync: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("popsync starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := session.NewRegistry()
	s, err := syncer.New(ctx, &cfg, registry)
	if err != nil {
		errorHandler.FatalError("open accounts", err)
		return errorHandler.ExitCode()
	}
	defer s.Close()
	if err := pop3sync.Register(registry, pop3sync.Deps{Rules: s.Rules}); err != nil {
		errorHandler.FatalError("register sessions", err)
		return errorHandler.ExitCode()
	}

	switch {
	case *sendFile != "":
		if *account == "" {
			errorHandler.ValidationError("account", fmt.Errorf("-send requires -account"))
			return errorHandler.ExitCode()
		}
		msg, err := os.ReadFile(*sendFile)
		if err != nil {
			errorHandler.FatalError("read message", err)
			return errorHandler.ExitCode()
		}
		if err := s.Send(ctx, *account, *identity, msg); err != nil {
			errorHandler.FatalError("send message", err)
			return errorHandler.ExitCode()
		}
		logger.Info("Message sent", "account", *account, "identity", *identity, "size", len(msg))
		return 0

	case *once:
		if err := s.RunOnce(ctx); err != nil {
			logger.Error("Sync finished with errors", "error", err)
			return 1
		}
		return 0
	}

	collector := metrics.NewCollector(s.StatsProviders(), 0)
	go collector.Start(ctx)
	defer collector.Stop()

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, s, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
		}, errChan)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-errChan:
		errorHandler.FatalError("http api", err)
		cancel()
		<-done
		return errorHandler.ExitCode()
	case err := <-done:
		if err != nil {
			logger.Error("Syncer stopped", "error", err)
			return 1
		}
	}
	logger.Info("popsync stopped")
	return 0
}
