package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/DialogPipe/internal/api"
	"github.com/BTreeMap/DialogPipe/internal/flow"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/lockfile"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/queue"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/tasks"
	"github.com/BTreeMap/DialogPipe/internal/util"
	"github.com/BTreeMap/DialogPipe/internal/webhook"
	"github.com/BTreeMap/DialogPipe/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DialogPipe state data
	DefaultStateDir = "/var/lib/dialogpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dialogpipe.db"
	// EchoToolKey is served by the built-in echo handler.
	EchoToolKey = "ECHO_TOOL"
)

// Run modes.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

func main() {
	initializeLogger()
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := validateFlags(flags); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping DialogPipe", "mode", *flags.mode)
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "redis", *flags.redisAddr, "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("DialogPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DialogPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	Mode              string
	StateDir          string
	DatabaseDSN       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	OpenAIKey         string
	OpenAIBaseURL     string
	OpenAIModel       string
	LLMTimeout        time.Duration
	LLMDebug          bool
	APIAddr           string
	CORSOrigins       string
	WorkflowURL       string
	AgentURL          string
	ToolBudget        time.Duration
	ConversationTTL   time.Duration
	WorkerConcurrency int
	ToolEndpoints     string
	UseOutbox         bool
}

// Flags holds command line flag values
type Flags struct {
	mode              *string
	stateDir          *string
	dbDSN             *string
	redisAddr         *string
	redisPassword     *string
	redisDB           *int
	openaiKey         *string
	openaiBaseURL     *string
	openaiModel       *string
	llmTimeout        *time.Duration
	llmDebug          *bool
	apiAddr           *string
	corsOrigins       *string
	workflowURL       *string
	agentURL          *string
	toolBudget        *time.Duration
	conversationTTL   *time.Duration
	workerConcurrency *int
	toolEndpoints     *string
	useOutbox         *bool
}

// initializeLogger sets up structured logging; LOG_LEVEL=info quiets debug output.
func initializeLogger() {
	level := slog.LevelDebug
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "info") {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Mode:              util.GetEnv("DIALOGPIPE_MODE", ModeAll),
		StateDir:          util.GetEnv("DIALOGPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           util.ParseIntEnv("REDIS_DB", 0),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		LLMTimeout:        util.ParseDurationEnv("LLM_TIMEOUT", genai.DefaultTimeout),
		LLMDebug:          util.ParseBoolEnv("LLM_DEBUG", false),
		APIAddr:           util.GetEnv("API_ADDR", api.DefaultAddr),
		CORSOrigins:       os.Getenv("CORS_ORIGINS"),
		WorkflowURL:       os.Getenv("WORKFLOW_URL"),
		AgentURL:          os.Getenv("AGENT_URL"),
		ToolBudget:        util.ParseDurationEnv("TOOL_BUDGET", flow.DefaultToolBudget),
		ConversationTTL:   util.ParseDurationEnv("CONVERSATION_TTL", flow.DefaultConversationTTL),
		WorkerConcurrency: util.ParseIntEnv("WORKER_CONCURRENCY", 8),
		ToolEndpoints:     os.Getenv("TOOL_ENDPOINTS"),
		UseOutbox:         util.ParseBoolEnv("USE_OUTBOX", false),
	}

	// DATABASE_URL is accepted as a fallback for DATABASE_DSN
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"DIALOGPIPE_MODE", config.Mode,
		"DIALOGPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"REDIS_ADDR", config.RedisAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TOOL_BUDGET", config.ToolBudget,
		"USE_OUTBOX", config.UseOutbox)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlagSet(flag.CommandLine, config, os.Args[1:])
}

func parseFlagSet(fs *flag.FlagSet, config Config, args []string) Flags {
	flags := Flags{
		mode:              fs.String("mode", config.Mode, "run mode: api, worker or all (overrides $DIALOGPIPE_MODE)"),
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for DialogPipe data (overrides $DIALOGPIPE_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseDSN, "database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_DSN)"),
		redisAddr:         fs.String("redis-addr", config.RedisAddr, "Redis address; empty uses in-process stores (overrides $REDIS_ADDR)"),
		redisPassword:     fs.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:           fs.Int("redis-db", config.RedisDB, "Redis database number (overrides $REDIS_DB)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBaseURL:     fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)"),
		openaiModel:       fs.String("openai-model", config.OpenAIModel, "default chat model (overrides $OPENAI_MODEL)"),
		llmTimeout:        fs.Duration("llm-timeout", config.LLMTimeout, "timeout of one LLM call (overrides $LLM_TIMEOUT)"),
		llmDebug:          fs.Bool("llm-debug", config.LLMDebug, "write LLM exchanges to the state directory (overrides $LLM_DEBUG)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		corsOrigins:       fs.String("cors-origins", config.CORSOrigins, "comma separated allowed CORS origins (overrides $CORS_ORIGINS)"),
		workflowURL:       fs.String("workflow-url", config.WorkflowURL, "base URL of WORKFLOW sub-dialogue bots (overrides $WORKFLOW_URL)"),
		agentURL:          fs.String("agent-url", config.AgentURL, "base URL of AGENT sub-dialogue bots (overrides $AGENT_URL)"),
		toolBudget:        fs.Duration("tool-budget", config.ToolBudget, "tool result budget per turn (overrides $TOOL_BUDGET)"),
		conversationTTL:   fs.Duration("conversation-ttl", config.ConversationTTL, "idle conversation expiry (overrides $CONVERSATION_TTL)"),
		workerConcurrency: fs.Int("worker-concurrency", config.WorkerConcurrency, "tools run at once per worker (overrides $WORKER_CONCURRENCY)"),
		toolEndpoints:     fs.String("tool-endpoints", config.ToolEndpoints, "KEY=url pairs separated by commas (overrides $TOOL_ENDPOINTS)"),
		useOutbox:         fs.Bool("use-outbox", config.UseOutbox, "publish work items through the SQL outbox (overrides $USE_OUTBOX)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// Follow a moved state directory when the DSN was the default SQLite path
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"mode", *flags.mode,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"toolBudget", *flags.toolBudget)
	return flags
}

func validateFlags(flags Flags) error {
	switch *flags.mode {
	case ModeAPI, ModeAll:
	case ModeWorker:
		if *flags.redisAddr == "" {
			return errors.New("worker mode needs a shared queue: set --redis-addr")
		}
	default:
		return fmt.Errorf("unknown mode %q", *flags.mode)
	}
	if *flags.mode == ModeAPI && *flags.redisAddr == "" {
		return errors.New("api mode without workers needs a shared queue: set --redis-addr or use mode all")
	}
	return nil
}

// isSQLite reports whether the DSN selects the file-based store.
func isSQLite(flags Flags) bool {
	return *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite3"
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !isSQLite(flags) {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildKVOptions constructs Redis options; nil means in-process stores.
func buildKVOptions(flags Flags) []kvstore.Option {
	if *flags.redisAddr == "" {
		return nil
	}
	kvOpts := []kvstore.Option{kvstore.WithAddr(*flags.redisAddr), kvstore.WithDB(*flags.redisDB)}
	if *flags.redisPassword != "" {
		kvOpts = append(kvOpts, kvstore.WithPassword(*flags.redisPassword))
	}
	return kvOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, m *metrics.Collector) []genai.Option {
	genaiOpts := []genai.Option{genai.WithTimeout(*flags.llmTimeout), genai.WithMetrics(m)}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.llmDebug {
		genaiOpts = append(genaiOpts, genai.WithDebug(*flags.stateDir))
	}
	return genaiOpts
}

// buildWebhookOptions constructs the sub-dialogue client options
func buildWebhookOptions(flags Flags) []webhook.Option {
	var opts []webhook.Option
	if *flags.workflowURL != "" {
		opts = append(opts, webhook.WithWorkflowURL(*flags.workflowURL))
	}
	if *flags.agentURL != "" {
		opts = append(opts, webhook.WithAgentURL(*flags.agentURL))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if origins := splitList(*flags.corsOrigins); len(origins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins...))
	}
	return apiOpts
}

// parseToolEndpoints parses "KEY=url,KEY2=url2".
func parseToolEndpoints(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitList(s) {
		key, url, ok := strings.Cut(pair, "=")
		key, url = strings.TrimSpace(key), strings.TrimSpace(url)
		if !ok || key == "" || url == "" {
			return nil, fmt.Errorf("invalid tool endpoint %q, want KEY=url", pair)
		}
		out[key] = url
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	mode := *flags.mode
	m := metrics.New("dialogpipe", prometheus.DefaultRegisterer)

	if isSQLite(flags) && mode != ModeWorker {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	var (
		kv kvstore.Store
		q  interface {
			queue.Publisher
			queue.Receiver
		}
	)
	if kvOpts := buildKVOptions(flags); kvOpts != nil {
		redisKV, err := kvstore.NewRedisStore(kvOpts...)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		kv = redisKV
		q = queue.NewRedisQueue(redisKV.Client(), queue.DefaultName)
	} else {
		slog.Info("No Redis configured, using in-process key-value store and queue")
		kv = kvstore.NewMemoryStore()
		memQueue := queue.NewMemoryQueue(1024)
		defer memQueue.Close()
		q = memQueue
	}
	defer kv.Close()

	g, ctx := errgroup.WithContext(ctx)

	if mode == ModeWorker || mode == ModeAll {
		w, err := buildWorker(flags, q, kv, m)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	if mode == ModeAPI || mode == ModeAll {
		st, err := store.New(buildStoreOptions(flags)...)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		var publisher queue.Publisher = q
		if *flags.useOutbox {
			publisher = queue.NewOutboxPublisher(st)
			relay := store.NewOutboxRelay(st, queue.RelayTo(q), 0)
			if err := relay.RecoverStale(ctx); err != nil {
				slog.Warn("Outbox recovery failed", "error", err)
			}
			g.Go(func() error { relay.Run(ctx); return nil })
		}

		var llm flow.LLM
		if client, err := genai.NewClient(buildGenAIOptions(flags, m)...); err != nil {
			slog.Warn("LLM disabled, intents fall back to rules only", "error", err)
		} else {
			llm = client
		}

		conversations := flow.NewKVConversationStore(kv, *flags.conversationTTL)
		extractor := flow.NewExtractor(llm, m)
		orchestrator := flow.NewOrchestrator(flow.Deps{
			LLM:           llm,
			Dispatcher:    tasks.NewDispatcher(kv, publisher, tasks.WithDispatchMetrics(m)),
			Barrier:       tasks.NewBarrier(kv, tasks.WithBarrierMetrics(m)),
			SubDialogue:   webhook.NewClient(buildWebhookOptions(flags)...),
			Jobs:          st,
			Conversations: conversations,
			Metrics:       m,
		}, flow.WithToolBudget(*flags.toolBudget))

		runner := store.NewJobRunner(st, time.Second)
		flow.RegisterJobHandlers(runner, extractor, conversations)
		if err := runner.RecoverStaleJobs(ctx); err != nil {
			slog.Warn("Job recovery failed", "error", err)
		}
		g.Go(func() error { runner.Run(ctx); return nil })

		server := api.NewServer(api.Deps{
			Store:         st,
			Conversations: conversations,
			Orchestrator:  orchestrator,
			Extractor:     extractor,
			Metrics:       m,
		}, buildAPIOptions(flags)...)
		g.Go(func() error { return server.Run(ctx) })
	}

	return g.Wait()
}

func buildWorker(flags Flags, recv queue.Receiver, kv kvstore.Store, m *metrics.Collector) (*worker.Worker, error) {
	endpoints, err := parseToolEndpoints(*flags.toolEndpoints)
	if err != nil {
		return nil, err
	}
	w, err := worker.New(recv, kv, worker.WithConcurrency(*flags.workerConcurrency), worker.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	w.Register(EchoToolKey, worker.EchoHandler())
	for key, url := range endpoints {
		w.Register(key, worker.NewHTTPHandler(url, nil))
	}
	slog.Info("Tool worker configured", "tools", len(endpoints)+1, "concurrency", *flags.workerConcurrency)
	return w, nil
}
