// Command steward runs the governed agent execution pipeline as an HTTP
// service: agent dispatch, the model gateway with pseudonymization and
// usage accounting, the artifact store, and the observability stream.
//
// # Configuration
//
// Flags:
//
//	-http    HTTP listen address (default ":8080")
//	-agents  Path to the YAML agent directory (optional)
//	-debug   Log request and response bodies, mount pprof
//
// Environment variables:
//
//	MONGO_URL          - MongoDB connection URI; enables durable stores
//	MONGO_DATABASE     - MongoDB database name (default: "steward")
//	REDIS_URL          - Redis address; enables the event relay and the
//	                     cluster-aware model rate limiter
//	REDIS_PASSWORD     - Redis password (optional)
//	OPENAI_API_KEY     - Enables the OpenAI provider
//	OPENAI_MODEL       - Default OpenAI model (default: "gpt-4o")
//	ANTHROPIC_API_KEY  - Enables the Anthropic provider
//	ANTHROPIC_MODEL    - Default Anthropic model (default: "claude-sonnet-4-0")
//	AWS_REGION         - Enables the Bedrock provider (with AWS_ACCESS_KEY_ID
//	                     and AWS_SECRET_ACCESS_KEY)
//	BEDROCK_MODEL      - Default Bedrock model
//	MODEL_TPM_INITIAL  - Initial tokens-per-minute budget per provider
//	MODEL_TPM_MAX      - Ceiling tokens-per-minute budget per provider
//
// Without MongoDB the service runs fully in-memory: artifacts and tasks are
// kept in process, event history is served from the ring buffer, and usage
// records are not persisted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	artifactmongo "github.com/stewardhq/steward/features/artifact/mongo"
	directorymongo "github.com/stewardhq/steward/features/directory/mongo"
	anthropicmodel "github.com/stewardhq/steward/features/model/anthropic"
	bedrockmodel "github.com/stewardhq/steward/features/model/bedrock"
	"github.com/stewardhq/steward/features/model/middleware"
	openaimodel "github.com/stewardhq/steward/features/model/openai"
	obsmongo "github.com/stewardhq/steward/features/obs/mongo"
	obspulse "github.com/stewardhq/steward/features/obs/pulse"
	clientspulse "github.com/stewardhq/steward/features/obs/pulse/clients/pulse"
	usagemongo "github.com/stewardhq/steward/features/usage/mongo"
	"github.com/stewardhq/steward/runtime/a2a"
	a2ahttp "github.com/stewardhq/steward/runtime/a2a/httpclient"
	"github.com/stewardhq/steward/runtime/artifact"
	artifactmem "github.com/stewardhq/steward/runtime/artifact/inmem"
	"github.com/stewardhq/steward/runtime/config"
	"github.com/stewardhq/steward/runtime/dispatch"
	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/httpapi"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/obs"
	obsmem "github.com/stewardhq/steward/runtime/obs/inmem"
	"github.com/stewardhq/steward/runtime/pii"
	"github.com/stewardhq/steward/runtime/runner"
	"github.com/stewardhq/steward/runtime/telemetry"
)

func main() {
	var (
		httpF   = flag.String("http", ":8080", "HTTP listen address")
		agentsF = flag.String("agents", "", "Path to the YAML agent directory")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies, mount pprof")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *httpF, *agentsF, *dbgF); err != nil {
		log.Error(ctx, err)
		os.Exit(exitCode(err))
	}
}

// configError marks startup failures caused by bad configuration rather
// than runtime faults, so init systems can tell the two apart.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// exitCode maps a run error to the process exit status: 2 for
// configuration errors, 1 for everything else, 0 for a clean exit.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *configError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}

func run(ctx context.Context, addr, agentsPath string, dbg bool) error {
	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewOTELMetrics()
		cfg     = config.Load()
	)

	var dir *directoryFile
	if agentsPath != "" {
		var err error
		dir, err = loadDirectoryFile(agentsPath)
		if err != nil {
			return &configError{err: err}
		}
	}

	var pingers []health.Pinger

	// Durable stores when MongoDB is configured, in-memory otherwise.
	var (
		store     artifact.Store
		sink      obs.Sink
		directory dispatch.Directory
		batcher   *gateway.Batcher
	)
	if mongoURL := os.Getenv("MONGO_URL"); mongoURL != "" {
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn(ctx, "mongo disconnect failed", "error", err.Error())
			}
		}()
		database := envOr("MONGO_DATABASE", "steward")

		artifacts, err := artifactmongo.New(artifactmongo.Options{Client: client, Database: database})
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		events, err := obsmongo.New(obsmongo.Options{Client: client, Database: database})
		if err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
		usage, err := usagemongo.New(usagemongo.Options{Client: client, Database: database})
		if err != nil {
			return fmt.Errorf("usage store: %w", err)
		}
		agents, err := directorymongo.New(directorymongo.Options{Client: client, Database: database})
		if err != nil {
			return fmt.Errorf("agent directory: %w", err)
		}
		if dir != nil {
			for _, spec := range dir.Agents {
				if err := agents.UpsertAgent(ctx, spec.agent()); err != nil {
					return fmt.Errorf("seed agent %q: %w", spec.Slug, err)
				}
			}
		}
		store, sink, directory = artifacts, events, agents
		batcher = gateway.NewBatcher(usage,
			gateway.WithBatchWindow(cfg.UsageBatchWindow),
			gateway.WithBatchSize(config.DefaultUsageBatchSize),
			gateway.WithBatcherLogger(logger),
		)
		pingers = append(pingers, artifacts, events, usage, agents)
	} else {
		log.Printf(ctx, "MONGO_URL not set, running with in-memory stores")
		static := dispatch.NewStaticDirectory()
		if dir != nil {
			for _, spec := range dir.Agents {
				static.Add(spec.agent())
			}
		}
		store, sink, directory = artifactmem.New(), obsmem.NewSink(), static
	}

	// Redis powers the cross-instance event relay and the cluster-aware
	// model rate limiter.
	var (
		rdb    *redis.Client
		relay  *obspulse.Relay
		tpmMap *rmap.Map
	)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn(ctx, "redis close failed", "error", err.Error())
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.ObsBufferCapacity,
		})
		if err != nil {
			return fmt.Errorf("pulse client: %w", err)
		}
		relay, err = obspulse.New(obspulse.Options{Client: pulseClient, Logger: logger})
		if err != nil {
			return fmt.Errorf("event relay: %w", err)
		}
		tpmMap, err = rmap.Join(ctx, "model-tpm", rdb)
		if err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
	}

	busOpts := []obs.Option{
		obs.WithSink(sink),
		obs.WithCapacity(cfg.ObsBufferCapacity),
		obs.WithSubscriberQueue(cfg.ObsSubscriberQueue),
		obs.WithLogger(logger),
		obs.WithMetrics(metrics),
	}
	if relay != nil {
		busOpts = append(busOpts, obs.WithRelay(relay))
	}
	bus := obs.New(busOpts...)
	if relay != nil {
		if err := relay.Consume(ctx, bus); err != nil {
			return fmt.Errorf("consume event relay: %w", err)
		}
	}

	var piiOpts []pii.Option
	piiOpts = append(piiOpts, pii.WithLogger(logger))
	var loader pii.DictionaryLoader
	if dir != nil && len(dir.Dictionary) > 0 {
		loader = staticDictionary(dir.Dictionary)
	}
	engine := pii.NewEngine(loader, piiOpts...)

	gwOpts := []gateway.Option{
		gateway.WithModelConfig(config.NewModelConfigStore(logger)),
		gateway.WithPII(engine),
		gateway.WithBus(bus),
		gateway.WithTimeout(cfg.ProviderTimeout),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	}
	if batcher != nil {
		gwOpts = append(gwOpts, gateway.WithUsage(batcher))
	}
	gw := gateway.New(gwOpts...)
	if err := registerProviders(ctx, gw, tpmMap); err != nil {
		return &configError{err: err}
	}
	log.Printf(ctx, "model providers: %v", gw.Providers())

	artifacts, err := artifact.NewService(store, bus,
		artifact.WithGenerator(gateway.NewArtifactGenerator(gw)),
		artifact.WithServiceLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("artifact service: %w", err)
	}

	registry := runner.NewRegistry()
	contextRunner, err := runner.NewContextRunner(artifacts, gw)
	if err != nil {
		return fmt.Errorf("context runner: %w", err)
	}
	registry.Register(runner.TypeContext, contextRunner)
	mediaRunner, err := runner.NewMediaRunner(artifacts, gw)
	if err != nil {
		return fmt.Errorf("media runner: %w", err)
	}
	registry.Register(runner.TypeMedia, mediaRunner)
	registry.Register(runner.TypeAPI, runner.NewAPIRunner())
	externalRunner, err := runner.NewExternalRunner(
		func(endpoint string) (a2a.Caller, error) { return a2ahttp.New(endpoint) },
		runner.WithExternalDiscoverer(a2a.NewDiscoverer()),
		runner.WithExternalLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("external runner: %w", err)
	}
	registry.Register(runner.TypeExternal, externalRunner)

	validator, err := dispatch.NewValidator()
	if err != nil {
		return fmt.Errorf("request validator: %w", err)
	}
	dispatcher, err := dispatch.New(registry, directory, artifacts,
		dispatch.WithTimeout(cfg.DispatchTimeout),
		dispatch.WithValidator(validator),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	orchestrator, err := runner.NewOrchestratorRunner(dispatcher)
	if err != nil {
		return fmt.Errorf("orchestrator runner: %w", err)
	}
	registry.Register(runner.TypeOrchestrator, orchestrator)

	server, err := httpapi.New(dispatcher, gw, bus, httpapi.SubjectBearer(),
		httpapi.WithArtifacts(artifacts),
		httpapi.WithServerLogger(logger),
		httpapi.WithServerMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	checker := health.NewChecker(pingers...)
	mux.Handle("GET /healthz", health.Handler(checker))
	mux.Handle("GET /livez", health.Handler(health.NewChecker()))
	if dbg {
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
	}

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Printf(ctx, "exiting (%v)", sig)
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown failed", "error", err.Error())
	}
	if relay != nil {
		if err := relay.Close(shutdownCtx); err != nil {
			logger.Warn(ctx, "relay close failed", "error", err.Error())
		}
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn(ctx, "event bus close failed", "error", err.Error())
	}
	if batcher != nil {
		if err := batcher.Close(shutdownCtx); err != nil {
			logger.Warn(ctx, "usage batcher close failed", "error", err.Error())
		}
	}
	log.Printf(ctx, "exited")
	return nil
}

// registerProviders builds one model client per configured provider and
// registers it with the gateway, wrapping each in the adaptive rate limiter
// when the cluster map is available.
func registerProviders(ctx context.Context, gw *gateway.Gateway, tpmMap *rmap.Map) error {
	initialTPM := envFloat("MODEL_TPM_INITIAL", 60000)
	maxTPM := envFloat("MODEL_TPM_MAX", 240000)
	wrap := func(provider string, c model.Client) model.Client {
		if tpmMap == nil {
			return c
		}
		limiter := middleware.NewAdaptiveRateLimiter(ctx, tpmMap, "tpm/"+provider, initialTPM, maxTPM)
		return limiter.Middleware()(c)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c, err := openaimodel.NewFromAPIKey(key, envOr("OPENAI_MODEL", "gpt-4o"))
		if err != nil {
			return fmt.Errorf("openai client: %w", err)
		}
		gw.Register("openai", wrap("openai", c))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropicmodel.NewFromAPIKey(key, envOr("ANTHROPIC_MODEL", "claude-sonnet-4-0"))
		if err != nil {
			return fmt.Errorf("anthropic client: %w", err)
		}
		gw.Register("anthropic", wrap("anthropic", c))
	}
	if region := os.Getenv("AWS_REGION"); region != "" && os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			}, nil
		})
		brc := bedrockruntime.New(bedrockruntime.Options{Region: region, Credentials: creds})
		c, err := bedrockmodel.New(brc, bedrockmodel.Options{DefaultModel: envOr("BEDROCK_MODEL", "anthropic.claude-sonnet-4")})
		if err != nil {
			return fmt.Errorf("bedrock client: %w", err)
		}
		gw.Register("bedrock", wrap("bedrock", c))
	}
	return nil
}

// staticDictionary applies one fixed pseudonym dictionary to every
// organization and agent.
type staticDictionary map[string]string

func (d staticDictionary) Load(context.Context, string, string) (map[string]string, error) {
	return d, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFloat returns the environment variable as float64 or a default.
func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultVal
}
