package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/fleetworks/relay/internal/bus"
	"github.com/fleetworks/relay/internal/config"
	"github.com/fleetworks/relay/internal/gateway"
	"github.com/fleetworks/relay/internal/identity"
	"github.com/fleetworks/relay/internal/monitoring"
	"github.com/fleetworks/relay/internal/relay"
)

func main() {
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
	})
	cfg.LogConfig(logger)

	busClient, err := bus.Connect(cfg.BusURL, cfg.ServiceName, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("bus_url", cfg.BusURL).Msg("Failed to connect to bus")
	}

	verifier := identity.NewVerifier(cfg.IdentityVerifyURL, cfg.VerifyTimeout, logger)
	dialer := gateway.NewDialer(cfg.GatewayURL, cfg.DialTimeout, logger)

	server := relay.NewServer(cfg, logger,
		relay.NewNATSBus(busClient),
		relay.NewShellDialer(dialer),
		verifier,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server error")
		}
	}

	server.Shutdown()

	if err := busClient.Drain(); err != nil {
		logger.Warn().Err(err).Msg("Bus drain failed")
	}

	logger.Info().Msg("Relay exited")
}
