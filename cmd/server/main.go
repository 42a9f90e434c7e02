// server runs the trust bridge HTTP API: provisioning tokens, wallet registration and
// institutional onboarding.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trust-bridge/backend/internal/callback"
	"trust-bridge/backend/internal/config"
	"trust-bridge/backend/internal/db"
	healthhandler "trust-bridge/backend/internal/health/handler"
	"trust-bridge/backend/internal/logging"
	"trust-bridge/backend/internal/onboarding"
	onboardinghandler "trust-bridge/backend/internal/onboarding/handler"
	"trust-bridge/backend/internal/policy/engine"
	provisioninghandler "trust-bridge/backend/internal/provisioning/handler"
	"trust-bridge/backend/internal/provisioning/repository"
	"trust-bridge/backend/internal/provisioning/service"
	"trust-bridge/backend/internal/registry"
	"trust-bridge/backend/internal/security"
	"trust-bridge/backend/internal/server"
	"trust-bridge/backend/internal/server/middleware"
	"trust-bridge/backend/internal/telemetry"
	otelsetup "trust-bridge/backend/internal/telemetry/otel"
	"trust-bridge/backend/internal/telemetry/producer"
)

const serviceName = "trust-bridge"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{ServiceName: serviceName, Development: cfg.LogDevelopment})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger.Named("otel").Logger,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()

	// Registry: on-chain when configured, otherwise seeded from INSTITUTION_BACKENDS.
	var (
		reg       registry.Registry
		registrar registry.Registrar
	)
	if cfg.RegistryEnabled() {
		contract, client, err := registry.Dial(ctx, cfg.EthRPCURL, cfg.RegistryContractAddress, cfg.RegistrySignerKey, cfg.EthChainID)
		if err != nil {
			return err
		}
		defer client.Close()
		reg, registrar = contract, contract
		logger.Info("institution registry on chain", zap.String("contract", cfg.RegistryContractAddress))
	} else {
		mem := registry.NewMemory(registry.ParseBackends(cfg.InstitutionBackends))
		reg, registrar = mem, mem
		logger.Warn("no ETH_RPC_URL configured; using in-memory institution registry")
	}
	resolver := registry.NewResolver(reg, logger.Named("resolver").Logger)

	var evaluator *engine.OPAEvaluator
	if cfg.ProvisioningPolicyFile != "" {
		evaluator, err = engine.LoadOPAEvaluator(ctx, cfg.ProvisioningPolicyFile)
	} else {
		evaluator, err = engine.NewOPAEvaluator(ctx, "")
	}
	if err != nil {
		return err
	}

	var (
		ledger repository.Repository = repository.NewMemoryRepository()
		pinger healthhandler.Pinger
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		ledger = repository.NewPostgresRepository(sqlDB)
		pinger = sqlDB
	}

	emitters := telemetry.Multi{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.OnboardingEventsTopic, logger.Named("kafka").Logger)
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}

	var verifier middleware.SessionVerifier
	if cfg.SessionPublicKey != "" {
		pub, err := security.ParsePublicKey(cfg.SessionPublicKey)
		if err != nil {
			return err
		}
		verifier = security.NewSessionVerifier(pub, cfg.SessionIssuer, cfg.SessionAudience)
	} else {
		logger.Warn("SESSION_PUBLIC_KEY not set; session-authenticated routes will reject every request")
	}

	codec := security.NewTokenCodec(security.TokenCodecConfig{
		Secret:     cfg.ProvisioningSecret,
		DefaultTTL: cfg.ProvisioningTTL(),
		MaxTTL:     cfg.ProvisioningMaxTTL(),
	})
	if !codec.Configured() {
		logger.Warn("PROVISIONING_SECRET not set; provisioning tokens are disabled")
	}
	gateway := service.NewGateway(service.Config{
		Codec:              codec,
		Evaluator:          evaluator,
		Registrar:          registrar,
		Resolver:           resolver,
		Ledger:             ledger,
		APIKey:             cfg.InstitutionalServicesAPIKey,
		MarketplaceBaseURL: cfg.MarketplaceBaseURL,
		SingleUse:          cfg.ProvisioningSingleUse,
		TokenTTL:           cfg.ProvisioningTTL(),
		Emitter:            emitters,
		Logger:             logger.Named("gateway").Logger,
	})

	pollCtx, cancelPolls := context.WithCancel(context.Background())
	defer cancelPolls()
	orchestrator := onboarding.NewOrchestrator(resolver, onboarding.Config{
		SPAPIKey:     cfg.SPAPIKey,
		PollInterval: cfg.PollIntervalDuration(),
		PollTimeout:  cfg.PollTimeoutDuration(),
		Logger:       logger.Named("orchestrator").Logger,
	})
	onboardingHandler := onboardinghandler.New(onboardinghandler.Config{
		Orchestrator: orchestrator,
		Resolver:     resolver,
		Authenticator: callback.New(callback.Config{
			Secret:            cfg.EffectiveCallbackSecret(),
			SignatureRequired: cfg.CallbackSignatureRequired,
			RequireToken:      cfg.CallbackRequireToken,
			RequireHMAC:       cfg.CallbackRequireHMAC,
			TokenTTL:          cfg.CallbackTTL(),
			MaxAge:            cfg.HMACMaxAgeDuration(),
		}),
		Store:          onboarding.NewResultStore(cfg.ResultTTLDuration()),
		PublicBaseURL:  cfg.MarketplaceBaseURL,
		BackgroundPoll: cfg.BackgroundPoll,
		BaseContext:    pollCtx,
		Emitter:        emitters,
		Logger:         logger,
	})

	router := server.NewRouter(server.Deps{
		Logger:          logger,
		SessionVerifier: verifier,
		Onboarding:      onboardingHandler,
		Provisioning:    provisioninghandler.New(gateway, logger),
		Health:          healthhandler.NewServer(pinger, evaluator),
		PublicKeyPEM:    cfg.PublicKeyPEM,
		PublicKeyFile:   cfg.PublicKeyFile,
	})
	srv := server.New(cfg.HTTPAddr, router)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancelPolls()

	// Let in-flight async emits finish before closing the sinks.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		logger.Warn("kafka close", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
