// Command borg is Borg's process entry point: it loads configuration,
// opens the store, wires every package into an IntegratorMain loop and a
// dashboard HTTP server, and runs until a signal or the pipeline's
// self-update sentinel asks it to stop. Startup proceeds config before
// audit before logger, with the store opened behind a deferred close and
// the OTel provider behind a deferred shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/neuralcollective/borg/internal/audit"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/chatstate"
	"github.com/neuralcollective/borg/internal/config"
	"github.com/neuralcollective/borg/internal/cronrelease"
	"github.com/neuralcollective/borg/internal/integrator"
	"github.com/neuralcollective/borg/internal/metrics"
	"github.com/neuralcollective/borg/internal/otel"
	"github.com/neuralcollective/borg/internal/pipeline"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/supervisor"
	"github.com/neuralcollective/borg/internal/telemetry"
	"github.com/neuralcollective/borg/internal/transport"
	"github.com/neuralcollective/borg/internal/webapi"
)

// version is reported by `borg version` and embedded in the OTel resource.
var version = "v0.1.0-dev"

func main() {
	loadDotEnv(".env")

	if args := os.Args[1:]; len(args) > 0 && isAdminSubcommand(args[0]) {
		os.Exit(runAdminCommand(args))
	}

	envPath := flag.String("env", ".env", "path to the .env configuration file")
	overlayPath := flag.String("config", "", "optional YAML overlay with additional watched repos")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*envPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *overlayPath != "" {
		if err := config.ApplyYAMLOverlay(&cfg, *overlayPath); err != nil {
			fatalStartup(nil, "E_CONFIG_OVERLAY", err)
		}
	}

	if err := audit.Init(cfg.DataDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, "info", false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup_phase", "phase", "config_loaded", "version", version)

	eventBus := bus.New()

	otelProvider, err := otel.Init(ctx, otel.Config{Enabled: false, ServiceName: "borg"})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	st, err := store.Open(store.DefaultDBPath(cfg.DataDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	metricsReg := metrics.New()
	st.SetMetrics(metricsReg)

	if n, err := st.ResetStuckQueueEntries(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	} else if n > 0 {
		logger.Info("startup_phase", "phase", "reset_stuck_queue_entries", "count", n)
	}
	if n, err := st.RecycleFailedTasks(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	} else if n > 0 {
		logger.Info("startup_phase", "phase", "recycled_failed_tasks", "count", n)
	}

	agents, err := supervisor.NewFromEnv()
	if err != nil {
		fatalStartup(logger, "E_SUPERVISOR_INIT", err)
	}
	defer agents.Close()

	chats := chatstate.New(chatstate.Config{
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		MaxConcurrentAgents: cfg.MaxConcurrentAgents,
		CollectionWindow:    time.Duration(cfg.CollectionWindowMS) * time.Millisecond,
		Cooldown:            time.Duration(cfg.CooldownMS) * time.Millisecond,
	})

	transports := transport.NewRegistry(logger)
	webChannel := transport.NewWebChannel()
	transports.Register(webChannel)
	if cfg.TelegramBotToken != "" {
		transports.Register(transport.NewTelegramChannel(cfg.TelegramBotToken, logger))
	}
	if cfg.WhatsAppEnabled {
		transports.Register(transport.NewWAChannel(cfg.WhatsAppBaseURL, logger))
	}
	if cfg.SidecarURL != "" {
		transports.Register(transport.NewSidecarChannel(cfg.SidecarURL, logger))
	}

	driver := pipeline.New(st, agents, eventBus, logger, pipeline.Config{
		Image:         cfg.ContainerImage,
		Model:         cfg.ClaudeModel,
		SelfRepoPath:  cfg.PipelineRepo,
		MaxAgents:     cfg.MaxPipelineAgents,
		AgentTimeout:  time.Duration(cfg.AgentTimeoutS) * time.Second,
		TestCmdFor:    watchedRepoTestCmd(cfg.WatchedRepos),
	})

	loop := integrator.New(integrator.Config{
		Store:          st,
		Chats:          chats,
		Transports:     transports,
		Agents:         agents,
		Bus:            eventBus,
		Logger:         logger,
		AssistantName:  cfg.AssistantName,
		TriggerPattern: cfg.TriggerPattern,
		Image:          cfg.ContainerImage,
		Model:          cfg.ClaudeModel,
		DataDir:        cfg.DataDir,
		AgentTimeout:   time.Duration(cfg.AgentTimeoutS) * time.Second,
	})

	web := webapi.New(webapi.Config{
		Store:     st,
		Driver:    driver,
		Chats:     chats,
		Web:       webChannel,
		Inbox:     loop.Inbox(),
		Metrics:   metricsReg,
		Logger:    logger,
		StaticDir: filepath.Join(cfg.DataDir, "dashboard"),
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebPort),
		Handler: web.Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("webapi_listen_failed", "error", err)
		}
	}()

	release := cronrelease.New(cronrelease.Config{
		Store:      st,
		Driver:     driver,
		Logger:     logger,
		Interval:   time.Duration(cfg.ReleaseIntervalMins) * time.Minute,
		Continuous: cfg.ContinuousMode,
	})
	release.Start(ctx)

	go driver.Run(ctx)

	logger.Info("startup_phase", "phase", "ready", "web_port", cfg.WebPort)
	selfUpdate := loop.Run(ctx)

	logger.Info("shutdown_started", "self_update", selfUpdate)
	chats.JoinAll()
	release.Stop()
	_ = httpServer.Shutdown(context.Background())

	if selfUpdate {
		if err := reexecSelf(); err != nil {
			logger.Error("self_reexec_failed", "error", err)
		}
	}
}

func watchedRepoTestCmd(repos []config.WatchedRepo) func(string) string {
	byPath := make(map[string]string, len(repos))
	for _, r := range repos {
		byPath[r.Path] = r.TestCmd
	}
	return func(repoPath string) string { return byPath[repoPath] }
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                         Start the daemon (transports, pipeline, dashboard)
  %s task create <title> [description]
  %s task list
  %s pipeline status
  %s version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

// loadDotEnv is a best-effort convenience: config.Load already parses the
// same file with godotenv, but running a plain pass before flag.Parse
// means any override set in .env is visible to flag defaults that read
// from the environment too.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if _, set := os.LookupEnv(key); !set {
			_ = os.Setenv(key, strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`))
		}
	}
}

// fatalStartup logs (or, if the logger isn't up yet, hand-writes a JSON
// line to stderr), audits, and exits 1.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "denied", message)

	if logger != nil {
		logger.Error("startup_failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

// reexecSelf replaces the current process image with a fresh copy of its
// own binary. Required by spec.md §4.5/§9: the process treats itself as
// disposable, and a pipeline merge into Borg's own repo is the only
// supported upgrade path. No example repo implements process self-reexec
// (see DESIGN.md); this is written directly against the documented
// /proc/self/exe " (deleted)" suffix Linux appends once the inode backing
// the running binary has been replaced or unlinked.
func reexecSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe = cleanExecutablePath(exe)
	if _, err := os.Stat(exe); err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// cleanExecutablePath strips the " (deleted)" suffix Linux appends to
// /proc/self/exe's readlink target once the backing inode has been
// replaced or unlinked (the common case right after a self-update merge
// swaps the binary out from under the running process).
func cleanExecutablePath(path string) string {
	return strings.TrimSuffix(path, " (deleted)")
}
