// Command coreserver runs the agentcore HTTP boundary: tenant-scoped chat
// turns and declared workflows over configured agents, streamed as
// public_sse_v1 frames and durably recorded to the conversation ledger.
//
// # Configuration
//
// coreserver reads its configuration entirely from the environment (see
// internal/config for the full variable list and defaults); a .env file in
// the working directory is loaded first if present. At minimum, a
// deployment needs:
//
//	AGENTCORE_POSTGRES_DSN          - relational store (conversations, ledger, usage, workflows)
//	AGENTCORE_MONGO_URI             - agent run/memory metadata (optional; falls back to in-memory)
//	AGENTCORE_REDIS_ADDR            - rate limiter counters
//	AGENTCORE_AUTH_PUBLIC_KEY_PEM   - RS256 public key verifying bearer tokens
//	AGENTCORE_ANTHROPIC_API_KEY     - or AGENTCORE_OPENAI_API_KEY or AGENTCORE_BEDROCK_DEFAULT_MODEL, at least one
//
// # Example
//
//	AGENTCORE_POSTGRES_DSN=postgres://localhost/agentcore \
//	AGENTCORE_ANTHROPIC_API_KEY=sk-ant-... \
//	go run ./cmd/coreserver
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/orchestra-labs/agentcore/internal/agentengine"
	"github.com/orchestra-labs/agentcore/internal/attachment"
	"github.com/orchestra-labs/agentcore/internal/authn"
	"github.com/orchestra-labs/agentcore/internal/config"
	"github.com/orchestra-labs/agentcore/internal/guardrail"
	"github.com/orchestra-labs/agentcore/internal/guardrail/builtin"
	"github.com/orchestra-labs/agentcore/internal/httpapi"
	"github.com/orchestra-labs/agentcore/internal/ledger"
	"github.com/orchestra-labs/agentcore/internal/objectstore"
	objectstoregcs "github.com/orchestra-labs/agentcore/internal/objectstore/gcs"
	objectstoremem "github.com/orchestra-labs/agentcore/internal/objectstore/memory"
	"github.com/orchestra-labs/agentcore/internal/provider/anthropic"
	"github.com/orchestra-labs/agentcore/internal/provider/bedrock"
	"github.com/orchestra-labs/agentcore/internal/provider/openai"
	"github.com/orchestra-labs/agentcore/internal/ratelimit"
	"github.com/orchestra-labs/agentcore/internal/session"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	"github.com/orchestra-labs/agentcore/internal/workflow"

	memorymongo "github.com/orchestra-labs/agentcore/internal/store/memory/mongo"
	memorymongoclient "github.com/orchestra-labs/agentcore/internal/store/memory/mongo/clients/mongo"
	runmongo "github.com/orchestra-labs/agentcore/internal/store/run/mongo"
	runmongoclient "github.com/orchestra-labs/agentcore/internal/store/run/mongo/clients/mongo"

	runtimeengine "github.com/orchestra-labs/agentcore/runtime/agent/engine"
	temporalengine "github.com/orchestra-labs/agentcore/runtime/agent/engine/temporal"
	agentruntime "github.com/orchestra-labs/agentcore/runtime/agent/runtime"

	"github.com/orchestra-labs/agentcore/runtime/agent/model"
	memorystore "github.com/orchestra-labs/agentcore/runtime/agent/memory"
	runinmem "github.com/orchestra-labs/agentcore/runtime/agent/run/inmem"
	runstore "github.com/orchestra-labs/agentcore/runtime/agent/run"
	"github.com/orchestra-labs/agentcore/runtime/agent/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Environment == config.EnvDevelopment {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := telemetry.NewClueLogger()

	log.Printf(ctx, "starting coreserver (env=%s, addr=%s)", cfg.Environment, cfg.HTTPAddr)

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	pg, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer pg.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	runs, memory, mongoClose, err := buildMongoStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build mongo stores: %w", err)
	}
	if mongoClose != nil {
		defer mongoClose()
	}

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build object store: %w", err)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return fmt.Errorf("build token verifier: %w", err)
	}

	limiter := ratelimit.NewWindowLimiter(rdb, "agentcore:ratelimit")
	windows := make([]ratelimit.Window, len(cfg.RateLimitWindows))
	for i, w := range cfg.RateLimitWindows {
		windows[i] = ratelimit.Window{Name: w.Name, Limit: w.Limit, WindowSeconds: w.WindowSeconds, Scope: ratelimit.Scope(w.Scope)}
	}

	conversations := postgres.NewConversationRepo(pg)
	conversationEvents := postgres.NewConversationEventRepo(pg)
	ledgerRepo := postgres.NewLedgerRepo(pg)
	sessionStates := postgres.NewSessionStateRepo(pg)
	tenants := postgres.NewTenantRepo(pg)
	usage := postgres.NewUsageRepo(pg)
	workflowRuns := postgres.NewWorkflowRepo(pg)
	assets := postgres.NewAssetRepo(pg)

	ledgerWriter := ledger.NewWriter(ledgerRepo, objects, cfg.Ledger.InlineMaxBytes, time.Duration(cfg.Ledger.WriteDeadlineMS)*time.Millisecond, logger)
	ledgerReader := ledger.NewReader(ledgerRepo, conversations, objects)

	sessionManager := session.NewManager(sessionStates, memory, map[string]session.ConversationFactory{}, cfg.Session)

	attachments := attachment.NewEngine(objects, assets, nil, logger)

	temporalClient, workflowEngine, closeWorkflowEngine, err := buildWorkflowEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("build workflow engine: %w", err)
	}
	if closeWorkflowEngine != nil {
		defer closeWorkflowEngine()
	}

	runtimeOpts := []agentruntime.RuntimeOption{
		agentruntime.WithRunStore(runs),
		agentruntime.WithMemoryStore(memory),
		agentruntime.WithLogger(logger),
		agentruntime.WithMetrics(telemetry.NewClueMetrics()),
		agentruntime.WithTracer(telemetry.NewClueTracer()),
	}
	if workflowEngine != nil {
		runtimeOpts = append(runtimeOpts, agentruntime.WithEngine(workflowEngine))
	}
	rt := agentruntime.New(runtimeOpts...)

	modelID, modelClient, err := registerProviders(ctx, rt, cfg, temporalClient)
	if err != nil {
		return fmt.Errorf("register model providers: %w", err)
	}

	registry := guardrail.NewRegistry()
	if err := registerBuiltinGuardrails(registry, modelClient); err != nil {
		return fmt.Errorf("register guardrails: %w", err)
	}
	guardrailRunner := guardrail.NewRunner(registry)

	// No guardrails.pipeline config loader exists in this pack (the
	// original's dotted-path YAML loader has no idiomatic Go equivalent
	// anywhere in the corpus to ground one on); every agent runs with the
	// empty default pipeline until config.GuardrailPipelinePath gains a
	// loader. See DESIGN.md.
	pipelines := map[string]guardrail.PipelineConfig{}
	if cfg.GuardrailPipelinePath != "" {
		log.Printf(ctx, "guardrails.pipeline path %q configured but no loader is wired; running with the empty default pipeline", cfg.GuardrailPipelinePath)
	}

	agents := agentengine.NewEngine(
		rt, conversations, ledgerRepo, ledgerWriter, sessionManager, usage,
		guardrailRunner, pipelines, attachments, conversationEvents, modelID,
	)

	callables := workflow.NewCallableRegistry()
	workflows := workflow.NewEngine(agents, workflowRuns, conversations, callables)

	if err := registerDefaultAgent(ctx, agents, modelID); err != nil {
		return fmt.Errorf("register default agent: %w", err)
	}

	srv := httpapi.NewServer(
		cfg, verifier, limiter, windows, nil, usage,
		tenants, conversations, conversationEvents, workflowRuns,
		agents, workflows, ledgerReader,
	)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Printf(ctx, "received %v, shutting down", sig)
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	log.Printf(ctx, "exited")
	return nil
}

// buildMongoStores connects to MongoDB and wires the run-metadata and
// agent-memory stores when AGENTCORE_MONGO_URI is set. With no Mongo URI
// configured, the run store falls back to the teacher's in-memory
// implementation (fine for local development and tests); the memory store
// has no in-memory equivalent, so it stays nil and WithMemoryStore
// degrades to "no cross-run memory" rather than failing startup.
//
// The sibling runtime/agent/session and runtime/agent/runlog store
// families have Mongo-backed implementations too
// (internal/store/{session,runlog}/mongo) but nothing in this module's
// runtime.Runtime consumes those interfaces — session/provider-conversation
// lifecycle here is owned entirely by internal/session.Manager against
// postgres.SessionStateRepo, and run-event history by
// internal/store/postgres.ConversationEventRepo. They are left unwired
// from coreserver; see DESIGN.md.
func buildMongoStores(ctx context.Context, cfg config.Config) (runstore.Store, memorystore.Store, func(), error) {
	if cfg.MongoURI == "" {
		return runinmem.New(), nil, nil, nil
	}

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	closeFn := func() {
		_ = client.Disconnect(context.Background())
	}

	runs, err := runmongo.NewStoreFromMongo(runmongoclient.Options{Client: client, Database: cfg.MongoDB})
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("run store: %w", err)
	}

	memory, err := memorymongo.NewStoreFromMongo(memorymongoclient.Options{Client: client, Database: cfg.MongoDB})
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("memory store: %w", err)
	}

	return runs, memory, closeFn, nil
}

// buildObjectStore selects the attachment/ledger-spill backend named by
// config.ObjectStoreConfig.Provider. Only "memory" and "gcs" have a
// constructor anywhere in the pack; "s3"/"azure"/"minio" are accepted by
// config.Validate (matching the distilled spec's provider enum) but no
// pack repo exercises those SDKs, so wiring them would mean inventing
// code ungrounded in any example — left as a documented gap. See
// DESIGN.md.
func buildObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	switch cfg.ObjectStore.Provider {
	case "memory":
		return objectstoremem.New(), nil
	case "gcs":
		return objectstoregcs.New(ctx, cfg.ObjectStore.Bucket)
	default:
		return nil, fmt.Errorf("object store provider %q has no wired backend in this build", cfg.ObjectStore.Provider)
	}
}

// buildWorkflowEngine constructs the Temporal-backed workflow engine when
// AGENTCORE_TEMPORAL_HOST_PORT is set, so every agent turn the runtime
// registers is durably executed as a Temporal workflow+activity pair rather
// than the runtime's in-memory fallback. It dials its own client.Client
// (rather than letting the engine lazily create one) so the same client can
// back a Bedrock ledger source — see registerProviders. An empty HostPort
// returns a nil client/engine, in which case agentruntime.New falls back to
// engineinmem.New() — the same "optional dependency, in-memory fallback"
// precedent buildMongoStores follows for the run store.
func buildWorkflowEngine(cfg config.Config, logger telemetry.Logger) (temporalclient.Client, runtimeengine.Engine, func(), error) {
	if cfg.Temporal.HostPort == "" {
		return nil, nil, nil, nil
	}
	tc, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial temporal: %w", err)
	}
	eng, err := temporalengine.New(temporalengine.Options{
		Client: tc,
		WorkerOptions: temporalengine.WorkerOptions{
			TaskQueue: cfg.Temporal.TaskQueue,
		},
		Logger:  logger,
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		tc.Close()
		return nil, nil, nil, fmt.Errorf("construct temporal engine: %w", err)
	}
	closeFn := func() {
		_ = eng.Close()
		tc.Close()
	}
	return tc, eng, closeFn, nil
}

// buildVerifier parses the configured RS256 public key and wraps it in a
// single-key authn.KeySet. Rotation (staging a next key, promoting it) is
// an operational action outside this process's startup path; see
// authn.KeySet.Rotate/StageNext for the mechanism a future admin endpoint
// or signal handler would call.
func buildVerifier(cfg config.Config) (*authn.Verifier, error) {
	if cfg.Auth.PublicKeyPEM == "" {
		return nil, errors.New("AGENTCORE_AUTH_PUBLIC_KEY_PEM is required")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.Auth.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse auth public key: %w", err)
	}
	keys := authn.NewKeySet(cfg.Auth.PublicKeyID, key)
	return authn.NewVerifier(keys, authn.VerifierConfig{
		Issuer:               cfg.Auth.Issuer,
		Audience:             cfg.Auth.Audience,
		ClockSkew:            cfg.Auth.ClockSkew,
		RequireEmailVerified: cfg.Auth.EmailVerificationRequired,
	}), nil
}

// registerProviders registers a model.Client for every configured API key or
// credential source and returns the id and client of the one the default
// agent (and guardrail LLM classifiers) should use, preferring Anthropic,
// then OpenAI, then Bedrock.
//
// Bedrock is registered whenever cfg.Bedrock.DefaultModel is set — an
// operator who hasn't named a model hasn't opted into Bedrock, so no
// separate enable flag exists. Credentials come from the default AWS SDK
// credential chain, not from config.Config. When temporalClient is non-nil,
// it backs the Bedrock client's ledger source so mid-run Converse calls can
// query a durable workflow's provider-ready messages instead of only the
// ones already in memory for this process.
func registerProviders(ctx context.Context, rt *agentruntime.Runtime, cfg config.Config, temporalClient temporalclient.Client) (string, model.Client, error) {
	var (
		defaultModel  string
		defaultClient model.Client
	)
	if cfg.AnthropicAPIKey != "" {
		client, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, "claude-sonnet-4-5")
		if err != nil {
			return "", nil, fmt.Errorf("anthropic client: %w", err)
		}
		if err := rt.RegisterModel("anthropic-default", client); err != nil {
			return "", nil, err
		}
		defaultModel, defaultClient = "anthropic-default", client
	}
	if cfg.OpenAIAPIKey != "" {
		client, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, "gpt-4o")
		if err != nil {
			return "", nil, fmt.Errorf("openai client: %w", err)
		}
		if err := rt.RegisterModel("openai-default", client); err != nil {
			return "", nil, err
		}
		if defaultModel == "" {
			defaultModel, defaultClient = "openai-default", client
		}
	}
	if cfg.Bedrock.DefaultModel != "" {
		client, err := buildBedrockClient(ctx, cfg, temporalClient)
		if err != nil {
			return "", nil, fmt.Errorf("bedrock client: %w", err)
		}
		if err := rt.RegisterModel("bedrock-default", client); err != nil {
			return "", nil, err
		}
		if defaultModel == "" {
			defaultModel, defaultClient = "bedrock-default", client
		}
	}
	if defaultModel == "" {
		return "", nil, errors.New("no model provider configured: set AGENTCORE_ANTHROPIC_API_KEY, AGENTCORE_OPENAI_API_KEY, or AGENTCORE_BEDROCK_DEFAULT_MODEL")
	}
	return defaultModel, defaultClient, nil
}

// buildBedrockClient loads AWS credentials from the default SDK chain
// (environment, shared config, instance role) scoped to cfg.AWSRegion, and
// wraps the resulting bedrockruntime.Client in a model.Client. When a
// Temporal client is available, its ledger source backs the Bedrock client
// so Converse requests can pull provider-ready messages recorded by a
// running durable workflow.
func buildBedrockClient(ctx context.Context, cfg config.Config, temporalClient temporalclient.Client) (model.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	opts := bedrock.Options{
		DefaultModel: cfg.Bedrock.DefaultModel,
		HighModel:    cfg.Bedrock.HighModel,
		SmallModel:   cfg.Bedrock.SmallModel,
	}
	brClient := bedrockruntime.NewFromConfig(awsCfg)
	if temporalClient == nil {
		return bedrock.New(brClient, opts, nil)
	}
	return bedrock.New(brClient, opts, bedrock.NewTemporalLedgerSource(temporalClient))
}

// registerBuiltinGuardrails registers every check this build ships out of
// the box, each with a Spec naming its stage/engine/config_schema so
// Registry.ValidateConfig has something to check a bundle's config against
// before the check ever runs.
func registerBuiltinGuardrails(registry *guardrail.Registry, modelClient model.Client) error {
	checks := []struct {
		spec guardrail.Spec
		fn   guardrail.CheckFunc
	}{
		{
			spec: guardrail.Spec{
				Key:         "url_filter",
				DisplayName: "URL Filter",
				Description: "Flags content containing URLs that resolve to a blocked domain, or (with an allow-list configured) any domain not on it.",
				Stage:       guardrail.StageOutput,
				Engine:      "regex",
				ConfigSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"url_allow_list": {"type": "array", "items": {"type": "string"}},
						"url_block_list": {"type": "array", "items": {"type": "string"}},
						"check_subdomains": {"type": "boolean"},
						"extract_urls": {"type": "boolean"}
					},
					"additionalProperties": false
				}`),
				DefaultConfig: map[string]any{"check_subdomains": true, "extract_urls": true},
			},
			fn: builtin.URLFilterCheck,
		},
		{
			spec: guardrail.Spec{
				Key:         "custom_prompt",
				DisplayName: "Custom Prompt",
				Description: "Operator-defined natural-language content check, evaluated by an LLM classifier.",
				Stage:       guardrail.StageInput,
				Engine:      "llm",
				ConfigSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model": {"type": "string"},
						"confidence_threshold": {"type": "number", "minimum": 0, "maximum": 1},
						"system_prompt_details": {"type": "string"}
					},
					"additionalProperties": false
				}`),
				DefaultConfig: map[string]any{"confidence_threshold": 0.7},
			},
			fn: builtin.NewCustomPromptCheck(modelClient),
		},
		{
			spec: guardrail.Spec{
				Key:         "off_topic_prompts",
				DisplayName: "Off Topic Prompts",
				Description: "Flags messages outside a configured business scope, evaluated by an LLM classifier.",
				Stage:       guardrail.StageInput,
				Engine:      "llm",
				ConfigSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"model": {"type": "string"},
						"confidence_threshold": {"type": "number", "minimum": 0, "maximum": 1},
						"system_prompt_details": {"type": "string"}
					},
					"additionalProperties": false
				}`),
				DefaultConfig: map[string]any{"confidence_threshold": 0.7},
			},
			fn: builtin.NewOffTopicPromptsCheck(modelClient),
		},
		{
			spec: guardrail.Spec{
				Key:         "pii_detection_output",
				DisplayName: "PII Detection",
				Description: "Scans agent output for common PII shapes (email, SSN, phone, credit card) and redacts the matched spans.",
				Stage:       guardrail.StageOutput,
				Engine:      "regex",
				ConfigSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"detect": {
							"type": "array",
							"items": {"enum": ["email", "ssn", "phone", "credit_card"]}
						}
					},
					"additionalProperties": false
				}`),
			},
			fn: builtin.PIIDetectionOutputCheck,
		},
	}

	for _, c := range checks {
		if err := registry.RegisterSpec(c.spec, c.fn); err != nil {
			return fmt.Errorf("register guardrail %q: %w", c.spec.Key, err)
		}
	}
	return nil
}

// registerDefaultAgent registers the one illustrative agent every fresh
// deployment gets out of the box. There is no fixed agent catalog anywhere
// in the corpus or the distilled spec — agents are configured, not
// codegen'd — so operators are expected to call agents.RegisterAgent again
// (or expose an admin endpoint that does) for anything beyond this
// starting point.
func registerDefaultAgent(ctx context.Context, agents *agentengine.Engine, modelID string) error {
	return agents.RegisterAgent(ctx, agentengine.AgentSpec{
		ID:           "assistant.default",
		ModelID:      modelID,
		SystemPrompt: "You are a helpful assistant.",
	})
}
