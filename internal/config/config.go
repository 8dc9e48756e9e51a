// Package config loads and validates coreserver's runtime configuration from
// the environment, following the same godotenv-plus-typed-struct idiom the
// example pack's service entrypoints use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment gates stricter checks (TLS to Redis/Postgres, verbose error
// detail suppression) in non-local environments.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// AuthConfig configures token verification.
type AuthConfig struct {
	Audience                  string
	Issuer                    string
	EmailVerificationRequired bool
	ClockSkew                 time.Duration
	PublicKeyPEM              string // RS256 public key (current signing key), PEM-encoded
	PublicKeyID               string // kid the above key is published under
}

// RateLimitWindowConfig is one named window's configuration, mirroring
// ratelimit.Window.
type RateLimitWindowConfig struct {
	Name          string
	Limit         int64
	WindowSeconds int64
	Scope         string
}

// LedgerConfig tunes the durable conversation ledger's spill threshold and
// write deadline.
type LedgerConfig struct {
	InlineMaxBytes  int
	WriteDeadlineMS int
}

// StreamConfig tunes the public SSE channel.
type StreamConfig struct {
	HeartbeatIntervalS int
}

// SessionConfig toggles session/provider-conversation lifecycle behavior.
type SessionConfig struct {
	DisableProviderConversationCreation bool
	ForceProviderSessionRebind          bool
}

// ObjectStoreConfig selects the attachment/ledger-spill storage backend.
type ObjectStoreConfig struct {
	Provider string // s3 | gcs | azure | minio | memory
	Bucket   string
	Endpoint string
}

// ObservabilityConfig configures the telemetry sink.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// TemporalConfig points the workflow engine at a Temporal frontend. An empty
// HostPort means no Temporal deployment is available; the runtime falls back
// to its in-memory engine rather than failing startup, the same way an empty
// MongoURI falls back to an in-memory run store.
type TemporalConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// BedrockConfig selects the model IDs used when AWS credentials make the
// Bedrock provider available. Credentials come from the default AWS SDK
// credential chain (environment, shared config, instance role), not from
// this struct; DefaultModel being set is what gates constructing the
// client — an operator who hasn't named a model hasn't opted into Bedrock.
type BedrockConfig struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
}

// Config is the fully resolved, validated runtime configuration for
// cmd/coreserver.
type Config struct {
	Environment Environment
	HTTPAddr    string

	PostgresDSN string
	MongoURI    string
	MongoDB     string
	RedisAddr   string
	RedisTLS    bool

	Auth              AuthConfig
	RateLimitWindows  []RateLimitWindowConfig
	UsageGuardrailsOn bool
	Ledger            LedgerConfig
	Stream            StreamConfig
	Session           SessionConfig
	GuardrailPipelinePath string
	ObjectStore       ObjectStoreConfig
	Observability     ObservabilityConfig
	Temporal          TemporalConfig

	AnthropicAPIKey string
	OpenAIAPIKey    string
	AWSRegion       string
	Bedrock         BedrockConfig
}

// Load reads a .env file if present (ignored if missing — production
// deployments set real environment variables) then builds and validates a
// Config from the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: Environment(getenv("AGENTCORE_ENV", string(EnvDevelopment))),
		HTTPAddr:    getenv("AGENTCORE_HTTP_ADDR", ":8080"),

		PostgresDSN: os.Getenv("AGENTCORE_POSTGRES_DSN"),
		MongoURI:    os.Getenv("AGENTCORE_MONGO_URI"),
		MongoDB:     getenv("AGENTCORE_MONGO_DB", "agentcore"),
		RedisAddr:   getenv("AGENTCORE_REDIS_ADDR", "localhost:6379"),
		RedisTLS:    getbool("AGENTCORE_REDIS_TLS", false),

		Auth: AuthConfig{
			Audience:                  os.Getenv("AGENTCORE_AUTH_AUDIENCE"),
			Issuer:                    os.Getenv("AGENTCORE_AUTH_ISSUER"),
			EmailVerificationRequired: getbool("AGENTCORE_AUTH_EMAIL_VERIFICATION_REQUIRED", false),
			ClockSkew:                 time.Duration(getint("AGENTCORE_AUTH_CLOCK_SKEW_S", 30)) * time.Second,
			PublicKeyPEM:              os.Getenv("AGENTCORE_AUTH_PUBLIC_KEY_PEM"),
			PublicKeyID:               getenv("AGENTCORE_AUTH_PUBLIC_KEY_ID", "default"),
		},
		UsageGuardrailsOn: getbool("AGENTCORE_USAGE_GUARDRAILS_ENABLED", false),
		Ledger: LedgerConfig{
			InlineMaxBytes:  getint("AGENTCORE_LEDGER_INLINE_MAX_BYTES", 32*1024),
			WriteDeadlineMS: getint("AGENTCORE_LEDGER_WRITE_DEADLINE_MS", 2000),
		},
		Stream: StreamConfig{
			HeartbeatIntervalS: getint("AGENTCORE_STREAM_HEARTBEAT_INTERVAL_S", 15),
		},
		Session: SessionConfig{
			DisableProviderConversationCreation: getbool("AGENTCORE_SESSION_DISABLE_PROVIDER_CONVERSATION_CREATION", false),
			ForceProviderSessionRebind:          getbool("AGENTCORE_SESSION_FORCE_PROVIDER_SESSION_REBIND", false),
		},
		GuardrailPipelinePath: os.Getenv("AGENTCORE_GUARDRAILS_PIPELINE_PATH"),
		ObjectStore: ObjectStoreConfig{
			Provider: getenv("AGENTCORE_OBJECT_STORE_PROVIDER", "memory"),
			Bucket:   os.Getenv("AGENTCORE_OBJECT_STORE_BUCKET"),
			Endpoint: os.Getenv("AGENTCORE_OBJECT_STORE_ENDPOINT"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: os.Getenv("AGENTCORE_OTLP_ENDPOINT"),
		},
		Temporal: TemporalConfig{
			HostPort:  os.Getenv("AGENTCORE_TEMPORAL_HOST_PORT"),
			Namespace: getenv("AGENTCORE_TEMPORAL_NAMESPACE", "default"),
			TaskQueue: getenv("AGENTCORE_TEMPORAL_TASK_QUEUE", "agentcore-agents"),
		},

		AnthropicAPIKey: os.Getenv("AGENTCORE_ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("AGENTCORE_OPENAI_API_KEY"),
		AWSRegion:       getenv("AGENTCORE_AWS_REGION", "us-east-1"),
		Bedrock: BedrockConfig{
			DefaultModel: os.Getenv("AGENTCORE_BEDROCK_DEFAULT_MODEL"),
			HighModel:    os.Getenv("AGENTCORE_BEDROCK_HIGH_MODEL"),
			SmallModel:   os.Getenv("AGENTCORE_BEDROCK_SMALL_MODEL"),
		},
	}
	cfg.RateLimitWindows = defaultRateLimitWindows()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultRateLimitWindows() []RateLimitWindowConfig {
	return []RateLimitWindowConfig{
		{Name: "per_ip_burst", Limit: 60, WindowSeconds: 60, Scope: "ip"},
		{Name: "per_user_minute", Limit: 120, WindowSeconds: 60, Scope: "user"},
		{Name: "per_tenant_minute", Limit: 600, WindowSeconds: 60, Scope: "tenant"},
	}
}

// Validate enforces that required fields are present and internally
// consistent for the configured Environment.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("config: unrecognized environment %q", c.Environment)
	}
	if c.Environment == EnvProduction {
		if c.Auth.Audience == "" || c.Auth.Issuer == "" {
			return fmt.Errorf("config: auth.audience and auth.issuer are required in production")
		}
		if c.Auth.PublicKeyPEM == "" {
			return fmt.Errorf("config: auth.public_key_pem is required in production")
		}
		if !c.RedisTLS {
			return fmt.Errorf("config: redis TLS is required in production")
		}
	}
	if c.PostgresDSN == "" && c.Environment != EnvTest {
		return fmt.Errorf("config: postgres DSN is required")
	}
	switch c.ObjectStore.Provider {
	case "s3", "gcs", "azure", "minio", "memory":
	default:
		return fmt.Errorf("config: unrecognized object_store.provider %q", c.ObjectStore.Provider)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}
