// Sage is a conversational plant-care assistant.
//
// It keeps a small SQLite database of the user's plants, their watering
// and fertilizing schedules, and a wishlist, and lets a language model
// read and change it in response to chat messages. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	sage serve              Start the API server
//	sage init [dir]         Initialize a working directory with defaults
//	sage ask <message>      Send a single message (for testing)
//	sage version            Print version and build information
//	sage -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/sage/internal/agent"
	"github.com/nugget/sage/internal/api"
	"github.com/nugget/sage/internal/buildinfo"
	"github.com/nugget/sage/internal/config"
	"github.com/nugget/sage/internal/connwatch"
	"github.com/nugget/sage/internal/conversation"
	"github.com/nugget/sage/internal/events"
	"github.com/nugget/sage/internal/garden"
	"github.com/nugget/sage/internal/llm"
	"github.com/nugget/sage/internal/mqtt"
	"github.com/nugget/sage/internal/tools"
	"github.com/nugget/sage/internal/usage"

	_ "github.com/mattn/go-sqlite3" // "sqlite3" driver (CGO)
	_ "modernc.org/sqlite"          // "sqlite" driver (pure Go)
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that run holds no global state and tests can
// call it in parallel.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: sage ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sage - Conversational Plant Care Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sage [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Send a single message (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// app is the wired core shared by serve and ask.
type app struct {
	cfg   *config.Config
	store *garden.Store
	llm   *llm.MultiClient
	bus   *events.Bus
	loop  *agent.Loop
}

func (a *app) Close() error {
	return a.store.Close()
}

// newApp opens the store and builds the turn loop.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := garden.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open plant store %s: %w", cfg.Store.Path, err)
	}
	logger.Info("plant store opened", "path", cfg.Store.Path, "driver", cfg.Store.Driver)

	client := createLLMClient(cfg, logger)
	bus := events.New()
	exec := tools.NewExecutor(store, logger.With("component", "tools"))

	loop := agent.NewLoop(logger, client, store, exec, bus, agent.Config{
		Model: cfg.Models.Default,
		Request: agent.Phase{
			Timeout: cfg.Agent.Request.Timeout(),
			Retries: cfg.Agent.Request.Retries,
			Backoff: cfg.Agent.Request.Backoff(),
		},
		Finalize: agent.Phase{
			Timeout: cfg.Agent.Finalize.Timeout(),
			Retries: cfg.Agent.Finalize.Retries,
			Backoff: cfg.Agent.Finalize.Backoff(),
		},
	})

	return &app{cfg: cfg, store: store, llm: client, bus: bus, loop: loop}, nil
}

// askResult is the json output of the ask command.
type askResult struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversation_id"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
	TraceID        string   `json:"trace_id"`
}

// runAsk sends one message through a fresh conversation against the
// configured store and prints the reply. Logs go to stderr so the reply
// can be piped.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, message string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, logLevelOr(cfg.LogLevel, "warn"), cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	state := conversation.NewState(conversation.NewID())
	res, err := a.loop.RunTurn(ctx, message, state)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askResult{
			Response:       res.Reply,
			ConversationID: state.ID,
			ToolCalls:      res.Operations,
			TraceID:        res.TraceID,
		})
	}
	fmt.Fprintln(stdout, res.Reply)
	if len(res.Operations) > 0 {
		fmt.Fprintf(stdout, "\n(operations: %s)\n", strings.Join(res.Operations, ", "))
	}
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains HTTP requests and takes the MQTT device offline.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, "info", "text")
	logger.Info("starting Sage", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"store", cfg.Store.Path,
		"mqtt", cfg.MQTT.Enabled,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	probe := func(ctx context.Context) error { return a.llm.PingModel(ctx, cfg.Models.Default) }
	modelWatch := connwatch.New(cfg.Models.Default, probe, connwatch.DefaultBackoff(), func(ready bool, err error) {
		data := map[string]any{"service": cfg.Models.Default, "ready": ready}
		if err != nil {
			data["error"] = err.Error()
		}
		a.bus.Emit(events.SourceWatch, events.KindProviderStatus, data)
	}, logger)
	go modelWatch.Run(ctx)

	ledger, err := usage.Open(cfg.Store.Driver, cfg.Store.UsagePath)
	if err != nil {
		return fmt.Errorf("open usage ledger %s: %w", cfg.Store.UsagePath, err)
	}
	defer ledger.Close()
	go ledger.Watch(ctx, a.bus, logger.With("component", "usage"))

	sessions := conversation.NewSessions(cfg.Agent.SessionIdle(), logger.With("component", "sessions"))
	go sessions.RunEviction(ctx, time.Minute)

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		activity := mqtt.NewDailyActivity(nil)
		go activity.Watch(ctx, a.bus)

		publisher = mqtt.New(cfg.MQTT, instanceID, a.store, sessions.Len, activity, a.bus, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, sessions, a.store, a.bus, logger)
	server.WatchModel(modelWatch)
	server.SetUsage(ledger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt publisher shutdown", "error", err)
		}
	}
	logger.Info("Sage stopped")
	return nil
}

// loadConfig locates the config file, loads any .env next to it (and
// in the working directory), and parses it.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(cfgPath), ".env"), ".env"); err != nil {
		return nil, cfgPath, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// logLevelOr returns level, or fallback when level is unset.
func logLevelOr(level, fallback string) string {
	if level == "" {
		return fallback
	}
	return level
}

// createLLMClient maps each configured model to its provider. Models
// not listed fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured", "base_url", cfg.OpenAI.BaseURL)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
		if m.Name == cfg.Models.Default {
			defaultProvider = provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}
