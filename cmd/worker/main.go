// worker relays onboarding and provisioning events from Kafka to the OpenTelemetry collector.
// Set KAFKA_BROKERS, ONBOARDING_EVENTS_TOPIC, KAFKA_GROUP_ID and OTEL_EXPORTER_OTLP_ENDPOINT.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trust-bridge/backend/internal/config"
	"trust-bridge/backend/internal/logging"
	"trust-bridge/backend/internal/telemetry/consumer"
	otelsetup "trust-bridge/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{ServiceName: "trust-bridge-worker", Development: cfg.LogDevelopment})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		logger.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.OTLPEndpoint == "" {
		logger.Fatal("worker: OTEL_EXPORTER_OTLP_ENDPOINT is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "trust-bridge-worker",
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger.Logger,
	})
	if err != nil {
		logger.Fatal("worker: otel", zap.Error(err))
	}

	relay := consumer.NewKafkaRelay(brokers, cfg.OnboardingEventsTopic, cfg.KafkaGroupID,
		otelsetup.NewEventEmitter(providers.LoggerProvider), logger.Named("relay").Logger)
	logger.Info("worker: relaying events",
		zap.String("topic", cfg.OnboardingEventsTopic),
		zap.String("group", cfg.KafkaGroupID),
	)
	if err := relay.Run(ctx); err != nil {
		logger.Error("worker: relay stopped", zap.Error(err))
	}

	if err := relay.Close(); err != nil {
		logger.Warn("worker: kafka close", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker: otel shutdown", zap.Error(err))
	}
	logger.Info("worker: stopped")
}
