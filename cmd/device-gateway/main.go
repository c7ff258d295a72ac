package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/api"
	"github.com/fleettrack/device-gateway/internal/config"
	"github.com/fleettrack/device-gateway/internal/dispatch"
	"github.com/fleettrack/device-gateway/internal/gateway"
	"github.com/fleettrack/device-gateway/internal/integration"
	"github.com/fleettrack/device-gateway/internal/metrics"
	"github.com/fleettrack/device-gateway/internal/server"
	"github.com/fleettrack/device-gateway/internal/session"
	"github.com/fleettrack/device-gateway/internal/sink"
	"github.com/fleettrack/device-gateway/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/device-gateway.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Connect to database
	store, err := storage.NewPostgresStore(cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	// Connect to NATS. The gateway keeps serving devices without it;
	// fan-out is best effort.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("device-gateway"),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without fan-out")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	collector := metrics.NewCollector()
	events := sink.New(store, nc, cfg.Device.CacheTTL)

	sessions := session.NewRegistry(session.Config{
		Capacity:         cfg.Server.MaxConnections,
		HeartbeatTimeout: cfg.Device.HeartbeatTimeout,
		SweepInterval:    cfg.Device.SweepInterval,
		StatsInterval:    cfg.Server.StatsInterval,
	}, events, collector)

	dispatcher := dispatch.New(dispatch.Config{
		AckTimeout:       cfg.Device.AckTimeout,
		MaxRetries:       cfg.Device.MaxRetries,
		RetryBackoff:     cfg.Device.RetryBackoff,
		OfflineQueueTTL:  cfg.Device.OfflineQueueTTL,
		CommandRetention: cfg.Device.CommandRetention,
		FlushLimit:       cfg.Device.FlushLimit,
		SweepInterval:    cfg.Device.SweepInterval,
	}, store, sessions, events, collector)

	tcpServer := gateway.NewServer(cfg.Server, sessions, events, dispatcher, collector)
	apiServer := api.NewRESTServer(cfg, store, sessions, dispatcher, collector)

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Device gateway failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, store, dispatcher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()

		forwarder := integration.NewForwarderService(cfg.Integration, nc)
		if forwarder.Enabled() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := forwarder.Start(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Integration forwarder stopped")
				}
			}()
		}
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	wg.Wait()

	log.Info().Msg("Device gateway stopped")
}
