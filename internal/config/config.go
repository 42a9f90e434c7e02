// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLength is the minimum accepted length in bytes for HMAC/JWT shared secrets.
const MinSecretLength = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogDevelopment switches the logger to console output at debug level.
	LogDevelopment bool `mapstructure:"LOG_DEVELOPMENT"`

	// MarketplaceBaseURL is the public base URL of this marketplace; used as provisioning token issuer
	// and as the base of onboarding callback URLs.
	MarketplaceBaseURL string `mapstructure:"MARKETPLACE_BASE_URL"`
	// ProvisioningSecret signs provisioning tokens (HS256). At least 32 bytes when set.
	ProvisioningSecret string `mapstructure:"PROVISIONING_SECRET"`
	// ProvisioningTokenTTL is the default provisioning token lifetime (e.g. "15m").
	ProvisioningTokenTTL string `mapstructure:"PROVISIONING_TOKEN_TTL"`
	// ProvisioningTokenMaxTTL caps any requested provisioning token lifetime.
	ProvisioningTokenMaxTTL string `mapstructure:"PROVISIONING_TOKEN_MAX_TTL"`
	// ProvisioningSingleUse rejects a second registration with the same provisioning token.
	ProvisioningSingleUse bool `mapstructure:"PROVISIONING_SINGLE_USE"`
	// ProvisioningPolicyFile optionally replaces the built-in Rego eligibility policy.
	ProvisioningPolicyFile string `mapstructure:"PROVISIONING_POLICY_FILE"`

	// CallbackSecret signs callback tokens and verifies callback HMACs. Falls back to ProvisioningSecret.
	CallbackSecret string `mapstructure:"ONBOARDING_CALLBACK_SECRET"`
	// CallbackSignatureRequired makes callback verification mandatory; with no secret, startup fails.
	CallbackSignatureRequired bool `mapstructure:"ONBOARDING_CALLBACK_SIGNATURE_REQUIRED"`
	// CallbackRequireToken rejects callbacks that carry no bearer callback token.
	CallbackRequireToken bool `mapstructure:"ONBOARDING_CALLBACK_REQUIRE_TOKEN"`
	// CallbackRequireHMAC rejects callbacks that carry no HMAC signature headers.
	CallbackRequireHMAC bool `mapstructure:"ONBOARDING_CALLBACK_REQUIRE_HMAC"`
	// CallbackTokenTTL is the callback token lifetime (default 1200s).
	CallbackTokenTTL string `mapstructure:"ONBOARDING_CALLBACK_TOKEN_TTL"`
	// HMACMaxAge is the accepted clock skew for callback HMAC timestamps (default 300s).
	HMACMaxAge string `mapstructure:"ONBOARDING_HMAC_MAX_AGE"`
	// ResultTTL is how long onboarding results stay in the correlation store (default 600s).
	ResultTTL string `mapstructure:"ONBOARDING_RESULT_TTL"`
	// PollInterval is the delay between status polls (default 2s).
	PollInterval string `mapstructure:"ONBOARDING_POLL_INTERVAL"`
	// PollTimeout bounds a full poll-until-terminal loop (default 120s).
	PollTimeout string `mapstructure:"ONBOARDING_POLL_TIMEOUT"`
	// BackgroundPoll polls every initiated session until terminal, alongside callbacks.
	BackgroundPoll bool `mapstructure:"ONBOARDING_BACKGROUND_POLL"`

	// InstitutionalServicesAPIKey authenticates API-key registration calls (x-api-key).
	InstitutionalServicesAPIKey string `mapstructure:"INSTITUTIONAL_SERVICES_API_KEY"`
	// SPAPIKey is sent to institutional backends on onboarding calls.
	SPAPIKey string `mapstructure:"SP_API_KEY"`

	// SessionPublicKey is the PEM (or path) of the key that signs SSO session tokens.
	SessionPublicKey string `mapstructure:"SESSION_PUBLIC_KEY"`
	// SessionIssuer and SessionAudience are the expected iss/aud of SSO session tokens.
	SessionIssuer   string `mapstructure:"SESSION_ISSUER"`
	SessionAudience string `mapstructure:"SESSION_AUDIENCE"`
	// PublicKeyPEM is served at /.well-known/public-key.pem; PublicKeyFile is the fallback.
	PublicKeyPEM  string `mapstructure:"PUBLIC_KEY_PEM"`
	PublicKeyFile string `mapstructure:"PUBLIC_KEY_FILE"`

	// EthRPCURL is the JSON-RPC endpoint of the chain hosting the institution registry.
	EthRPCURL string `mapstructure:"ETH_RPC_URL"`
	// RegistryContractAddress is the registry contract address (0x-prefixed).
	RegistryContractAddress string `mapstructure:"REGISTRY_CONTRACT_ADDRESS"`
	// RegistrySignerKey is the hex private key used for registration transactions.
	RegistrySignerKey string `mapstructure:"REGISTRY_SIGNER_KEY"`
	// EthChainID is the chain id used to sign registration transactions.
	EthChainID int64 `mapstructure:"ETH_CHAIN_ID"`
	// InstitutionBackends seeds the in-memory registry used when no chain is configured
	// ("uned.es=https://ib.uned.es,uhu.es=https://ib.uhu.es").
	InstitutionBackends string `mapstructure:"INSTITUTION_BACKENDS"`

	// DatabaseURL is the Postgres DSN for the provisioning ledger; empty uses the in-memory ledger.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// KafkaBrokers is a comma-separated list of brokers for onboarding events; empty disables Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// OnboardingEventsTopic is the Kafka topic for onboarding events.
	OnboardingEventsTopic string `mapstructure:"ONBOARDING_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group of the event relay worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so Unmarshal sees env-only values.
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_DEVELOPMENT", false)
	v.SetDefault("MARKETPLACE_BASE_URL", "")
	v.SetDefault("PROVISIONING_SECRET", "")
	v.SetDefault("PROVISIONING_TOKEN_TTL", "15m")
	v.SetDefault("PROVISIONING_TOKEN_MAX_TTL", "15m")
	v.SetDefault("PROVISIONING_SINGLE_USE", false)
	v.SetDefault("PROVISIONING_POLICY_FILE", "")
	v.SetDefault("ONBOARDING_CALLBACK_SECRET", "")
	v.SetDefault("ONBOARDING_CALLBACK_SIGNATURE_REQUIRED", false)
	v.SetDefault("ONBOARDING_CALLBACK_REQUIRE_TOKEN", false)
	v.SetDefault("ONBOARDING_CALLBACK_REQUIRE_HMAC", false)
	v.SetDefault("ONBOARDING_CALLBACK_TOKEN_TTL", "1200s")
	v.SetDefault("ONBOARDING_HMAC_MAX_AGE", "300s")
	v.SetDefault("ONBOARDING_RESULT_TTL", "600s")
	v.SetDefault("ONBOARDING_POLL_INTERVAL", "2s")
	v.SetDefault("ONBOARDING_POLL_TIMEOUT", "120s")
	v.SetDefault("ONBOARDING_BACKGROUND_POLL", true)
	v.SetDefault("INSTITUTIONAL_SERVICES_API_KEY", "")
	v.SetDefault("SP_API_KEY", "")
	v.SetDefault("SESSION_PUBLIC_KEY", "")
	v.SetDefault("SESSION_ISSUER", "marketplace-sso")
	v.SetDefault("SESSION_AUDIENCE", "marketplace")
	v.SetDefault("PUBLIC_KEY_PEM", "")
	v.SetDefault("PUBLIC_KEY_FILE", "keys/public.pem")
	v.SetDefault("ETH_RPC_URL", "")
	v.SetDefault("REGISTRY_CONTRACT_ADDRESS", "")
	v.SetDefault("REGISTRY_SIGNER_KEY", "")
	v.SetDefault("ETH_CHAIN_ID", 11155111)
	v.SetDefault("INSTITUTION_BACKENDS", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("ONBOARDING_EVENTS_TOPIC", "onboarding-events")
	v.SetDefault("KAFKA_GROUP_ID", "trust-bridge-events-relay")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. Called by Load; exported for configs built in code.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.ProvisioningSecret != "" && len(c.ProvisioningSecret) < MinSecretLength {
		return errors.New("config: PROVISIONING_SECRET must be at least 32 bytes")
	}
	if c.CallbackSecret != "" && len(c.CallbackSecret) < MinSecretLength {
		return errors.New("config: ONBOARDING_CALLBACK_SECRET must be at least 32 bytes")
	}
	if c.CallbackSignatureRequired && c.EffectiveCallbackSecret() == "" {
		return errors.New("config: ONBOARDING_CALLBACK_SIGNATURE_REQUIRED is set but no callback secret is configured")
	}
	if c.MarketplaceBaseURL != "" && !strings.HasPrefix(strings.ToLower(c.MarketplaceBaseURL), "http") {
		return errors.New("config: MARKETPLACE_BASE_URL must be an absolute http(s) URL")
	}
	return nil
}

// EffectiveCallbackSecret returns the callback secret, falling back to the provisioning secret.
func (c *Config) EffectiveCallbackSecret() string {
	if c == nil {
		return ""
	}
	if s := strings.TrimSpace(c.CallbackSecret); s != "" {
		return s
	}
	return strings.TrimSpace(c.ProvisioningSecret)
}

// ProvisioningTTL parses ProvisioningTokenTTL. Returns 15m if unset or invalid.
func (c *Config) ProvisioningTTL() time.Duration {
	return parseDuration(c.ProvisioningTokenTTL, 15*time.Minute)
}

// ProvisioningMaxTTL parses ProvisioningTokenMaxTTL. Returns 15m if unset or invalid.
func (c *Config) ProvisioningMaxTTL() time.Duration {
	return parseDuration(c.ProvisioningTokenMaxTTL, 15*time.Minute)
}

// CallbackTTL parses CallbackTokenTTL. Returns 1200s if unset or invalid.
func (c *Config) CallbackTTL() time.Duration {
	return parseDuration(c.CallbackTokenTTL, 1200*time.Second)
}

// HMACMaxAgeDuration parses HMACMaxAge. Returns 300s if unset or invalid.
func (c *Config) HMACMaxAgeDuration() time.Duration {
	return parseDuration(c.HMACMaxAge, 300*time.Second)
}

// ResultTTLDuration parses ResultTTL. Returns 600s if unset or invalid.
func (c *Config) ResultTTLDuration() time.Duration {
	return parseDuration(c.ResultTTL, 600*time.Second)
}

// PollIntervalDuration parses PollInterval. Returns 2s if unset or invalid.
func (c *Config) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 2*time.Second)
}

// PollTimeoutDuration parses PollTimeout. Returns 120s if unset or invalid.
func (c *Config) PollTimeoutDuration() time.Duration {
	return parseDuration(c.PollTimeout, 120*time.Second)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RegistryEnabled reports whether an on-chain registry is configured.
func (c *Config) RegistryEnabled() bool {
	return c != nil && strings.TrimSpace(c.EthRPCURL) != "" && strings.TrimSpace(c.RegistryContractAddress) != ""
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
