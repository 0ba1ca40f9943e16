package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/aulerun/internal/adapters/docker"
	"github.com/manthysbr/aulerun/internal/adapters/duckdb"
	"github.com/manthysbr/aulerun/internal/adapters/providers"
	"github.com/manthysbr/aulerun/internal/adapters/remote"
	"github.com/manthysbr/aulerun/internal/config"
	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/services"
	"github.com/manthysbr/aulerun/internal/egress"
	"github.com/manthysbr/aulerun/internal/reflex"
	"github.com/manthysbr/aulerun/internal/safety"
	"github.com/manthysbr/aulerun/internal/synapse"
	"github.com/manthysbr/aulerun/pkg/kernel"
)

const (
	shutdownTimeout = 15 * time.Second
	// kvNamespaceBytes caps each tool kv namespace.
	kvNamespaceBytes = 1 << 20
)

var (
	listenAddr   string
	pluginDir    string
	maxJobs      int
	modelName    string
	corsOrigins  []string
	noContainers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, workers and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (default $AULE_ADDR or :8080)")
	serveCmd.Flags().StringVar(&pluginDir, "plugins", "", "Tool directory (default $AULE_PLUGIN_DIR or plugins)")
	serveCmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Override scheduler.max_concurrent_jobs")
	serveCmd.Flags().StringVar(&modelName, "model", "", "Override providers.llm.default_model")
	serveCmd.Flags().StringSliceVar(&corsOrigins, "cors-origin", []string{"http://localhost:5173", "http://localhost:5174"}, "Allowed CORS origins")
	serveCmd.Flags().BoolVar(&noContainers, "no-containers", false, "Do not connect to Docker; container tools fail as unavailable")
}

func runServe(cmd *cobra.Command, _ []string) error {
	e := env()
	if listenAddr != "" {
		e.Addr = listenAddr
	}
	if pluginDir != "" {
		e.PluginDir = pluginDir
	}

	logger, closer, err := newLogger(cmd.OutOrStdout(), e)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("starting aule runtime")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, logger, e); err != nil {
		logger.Error("runtime failed", "error", err)
		return err
	}
	return nil
}

func loadConfig(e config.Env) (*domain.RuntimeConfig, error) {
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, err
	}
	if maxJobs > 0 {
		cfg.Scheduler.MaxConcurrentJobs = maxJobs
	}
	if modelName != "" {
		cfg.Providers.LLM.DefaultModel = modelName
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// secretNames lists the environment variables imported into the secret
// store at startup.
func secretNames(cfg *domain.RuntimeConfig) []string {
	names := make([]string, 0, len(cfg.Policy.Credentials)+1)
	for _, c := range cfg.Policy.Credentials {
		names = append(names, c.Secret)
	}
	if cfg.Providers.LLM.APIKeyName != "" {
		names = append(names, cfg.Providers.LLM.APIKeyName)
	}
	return names
}

func serve(ctx context.Context, logger *slog.Logger, e config.Env) error {
	cfg, err := loadConfig(e)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := duckdb.NewRepository(ctx, e.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	secretKey, err := config.NewSecretKey(e.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}
	secrets, err := config.NewSecretStore(ctx, logger, repo, secretKey)
	if err != nil {
		return fmt.Errorf("failed to init secret store: %w", err)
	}
	if n := secrets.ImportEnv(secretNames(cfg)...); n > 0 {
		logger.Info("imported secrets from environment", "count", n)
	}

	// Every known secret value is a leak pattern, including rotations.
	leaks := safety.NewLeakDetector()
	leaks.LoadSecrets(secrets.Values())
	secrets.OnChange(leaks.SetSecret)

	grants, err := config.NewGrantSigner()
	if err != nil {
		return err
	}

	audit := services.NewAuditLog(logger, repo)
	failures := services.NewFailureTracker(logger, repo)
	filter := safety.NewFilter(logger, cfg.Safety, leaks)

	proxy, err := egress.NewProxy(logger, egress.Options{
		AllowPrivateNetworks: cfg.Sandbox.AllowPrivateNetworks,
		UpstreamProxy:        cfg.Sandbox.UpstreamProxy,
		MaxResponseBytes:     cfg.Sandbox.MaxResponseBytes,
	}, egress.NewAllowlist(cfg.Policy.Allowlist), cfg.Policy.Credentials, secrets, leaks, audit)
	if err != nil {
		return fmt.Errorf("failed to init egress proxy: %w", err)
	}

	// Executors, one per tool kind
	router := services.NewExecutorRouter(logger)
	builtins := services.NewBuiltinExecutor()
	router.Register(domain.ToolBuiltin, builtins)
	router.Register(domain.ToolRemote, remote.NewExecutor(logger))

	wasmRT := synapse.NewRuntime(logger, grants)
	defer wasmRT.Close(context.Background())
	router.Register(domain.ToolWasm, wasmRT)

	scripts := reflex.NewRuntime(logger, grants)
	router.Register(domain.ToolStarlark, scripts)

	if !noContainers {
		containers, err := docker.NewManager(logger, cfg.Sandbox.ContainerRuntime)
		if err != nil {
			logger.Warn("docker unavailable, container tools disabled", "error", err)
		} else {
			if _, err := containers.ReapOrphans(ctx); err != nil {
				logger.Warn("docker orphan reaping failed, container tools disabled", "error", err)
			} else {
				router.Register(domain.ToolContainer, containers)
			}
		}
	}

	// Tools
	registry := domain.NewToolRegistry()
	schemas := services.NewSchemaValidator()
	loader := services.NewToolLoader(logger, e.PluginDir, registry, schemas, wasmRT, scripts, cfg.Sandbox)
	if err := loader.AddBuiltins(ctx, builtins, services.DefaultBuiltins(nil)); err != nil {
		return fmt.Errorf("failed to register builtins: %w", err)
	}
	loaded, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tools: %w", err)
	}
	logger.Info("tools loaded", "dir", e.PluginDir, "count", len(loaded), "kinds", router.Kinds())

	pipeline := services.NewToolPipeline(logger, services.PipelineDeps{
		Registry: registry,
		Schemas:  schemas,
		Policy:   cfg.Policy,
		Sandbox:  cfg.Sandbox,
		Executor: router,
		Egress:   proxy,
		Grants:   grants,
		Leaks:    leaks,
		Filter:   filter,
		KV:       synapse.NewMemKVStore(kvNamespaceBytes),
		Audit:    audit,
		Failures: failures,
	})

	model, err := providers.Build(ctx, logger, cfg.Providers.LLM, secrets)
	if err != nil {
		return fmt.Errorf("failed to build model client: %w", err)
	}
	worker := services.NewWorker(logger, cfg.Worker, model, registry, pipeline, nil, filter)

	bus := services.NewEventBus(logger)
	scheduler := services.NewJobScheduler(logger, cfg.Scheduler, worker, bus, repo, repo)

	g, gCtx := errgroup.WithContext(ctx)
	if err := scheduler.Start(gCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	apiServer := kernel.NewServer(logger, kernel.Deps{
		Jobs:     scheduler,
		Bus:      bus,
		History:  repo,
		Events:   repo,
		Tools:    registry,
		Failures: failures,
		Audit:    audit,
	})
	c := cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	httpServer := &http.Server{
		Addr:              e.Addr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting api server", "addr", e.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if stopErr := scheduler.Stop(shutdownCtx); stopErr != nil {
			logger.Warn("scheduler did not stop in time", "error", stopErr)
		}
		return err
	})

	return g.Wait()
}
