// Calexplorer is a chat assistant that finds events and movies on the web
// and turns them into calendar entries the user approves.
//
// It serves a streaming chat API and a calendar approval endpoint, and
// ships a CLI client for one-shot conversations against a running
// server. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	calexplorer serve              Start the API server
//	calexplorer init [dir]         Initialize a working directory with defaults
//	calexplorer ask <message>      Chat with a running server and approve proposals
//	calexplorer session-token      Mint a development session cookie
//	calexplorer version            Print version and build information
//	calexplorer -o json version    Output version information as JSON
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

	"github.com/nugget/calexplorer/internal/agent"
	"github.com/nugget/calexplorer/internal/api"
	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/audit"
	"github.com/nugget/calexplorer/internal/buildinfo"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/config"
	"github.com/nugget/calexplorer/internal/connwatch"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/llm"
	"github.com/nugget/calexplorer/internal/movies"
	"github.com/nugget/calexplorer/internal/search"
	"github.com/nugget/calexplorer/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout, fatal
// errors are returned to the caller. Arguments are parsed by hand so
// that run carries no package-level flag state and tests can call it
// concurrently.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		opts, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdin, stdout, configPath, opts)
	case "session-token":
		return runSessionToken(stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "dev_override"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-13s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Calexplorer - find events and add them to your calendar")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: calexplorer [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Chat with a running server")
	fmt.Fprintln(w, "               [-server URL] [-session TOKEN] [-transcript FILE] [-yes] <message>")
	fmt.Fprintln(w, "  session-token  Print a signed session cookie for ask -session (non-production)")
	fmt.Fprintln(w, "               -user ID -access-token TOKEN [-email ADDR] [-ttl 1h]")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe loads config, wires the tool registry, agent loop, approval
// gateway and HTTP server, and blocks until ctx is cancelled or a
// shutdown signal arrives. In-flight requests get ten seconds to drain.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting calexplorer", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already accepted the level, so the error is unreachable.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"deploy", cfg.Deploy.Mode,
		"agent_mode", cfg.Agent.Mode,
		"max_steps", cfg.Agent.MaxSteps,
		"model", cfg.Models.Default,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver, introspection := createResolver(cfg, logger)

	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	registry, err := createRegistry(cfg, logger)
	if err != nil {
		return err
	}

	loop := agent.NewLoop(logger, llmClient, registry, agent.Config{
		Model:    cfg.Models.Default,
		Mode:     cfg.Agent.Mode,
		MaxSteps: cfg.Agent.MaxSteps,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	auditStore, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditStore.Close()

	gateway := approval.NewGateway(logger, registry, auditStore)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, resolver, gateway, logger)
	server.SetRateLimit(cfg.Listen.ChatRatePerSec, cfg.Listen.ChatBurst)
	server.SetAuditStore(auditStore)

	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, "llm", llmClient.Ping, connwatch.OnChange(server.UpstreamChanged))
	if introspection != nil {
		watch.Watch(ctx, "session", introspection.Ping, connwatch.OnChange(server.UpstreamChanged))
	}
	server.SetConnWatch(watch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	cancel()
	<-done

	logger.Info("calexplorer stopped")
	return nil
}

// loadConfig finds and loads the config file, returning the path used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createResolver builds the identity chain. Signed session cookies are
// tried first, then the front end's session endpoint. The development
// override is appended last, and only when this build and deployment
// allow it. The introspection strategy is also returned, when
// configured, so its endpoint can be watched.
func createResolver(cfg *config.Config, logger *slog.Logger) (*identity.Chain, *identity.Introspection) {
	var strategies []identity.Strategy
	var introspection *identity.Introspection

	if cfg.Auth.SessionSecret != "" {
		sc, err := identity.NewSessionCookie(cfg.Auth.SessionSecret, cfg.Auth.CookieNames)
		if err != nil {
			logger.Warn("session cookie strategy disabled", "error", err)
		} else {
			strategies = append(strategies, sc)
		}
	}
	if cfg.Auth.SessionURL != "" {
		introspection = identity.NewIntrospection(cfg.Auth.SessionURL)
		strategies = append(strategies, introspection)
	}
	if dev, err := identity.NewDevOverride(cfg.Deploy.Production(), cfg.Auth.DevAccessToken); err == nil {
		strategies = append(strategies, dev)
		logger.Warn("development credential override enabled", "deploy", cfg.Deploy.Mode)
	}

	chain := identity.NewChain(logger, strategies...)
	logger.Info("identity strategies configured", "strategies", chain.Strategies())
	return chain, introspection
}

// createLLMClient builds a multi-provider client. Models listed in
// config route to their provider; anything else goes to the default
// model's provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := map[string]llm.Client{}
	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured (set openai.api_key or anthropic.api_key)")
	}

	defaultProvider := "openai"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	fallback, ok := providers[defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default model %q needs provider %q, which is not configured", cfg.Models.Default, defaultProvider)
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", defaultProvider,
		"providers", multi.Providers(),
	)
	return multi, nil
}

// createRegistry registers search_web, get_movie_details and both
// calendar tools. The agent loop decides which of them the model sees.
func createRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)

	mgr := search.NewManager(cfg.Search.Default)
	if cfg.Search.Tavily.APIKey != "" {
		mgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey))
	}
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if !mgr.Configured() {
		logger.Warn("no web search provider configured; search_web will fail")
	}

	if cfg.OMDb.APIKey == "" {
		logger.Warn("omdb.api_key not set; get_movie_details will fail")
	}

	provider, err := createCalendar(cfg)
	if err != nil {
		return nil, err
	}

	for _, t := range []*tools.Tool{
		search.NewTool(mgr),
		movies.NewTool(movies.NewOMDb(cfg.OMDb.APIKey, cfg.OMDb.BaseURL)),
		calendar.NewProposeTool(),
		calendar.NewCreateTool(provider),
	} {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	logger.Info("tools registered",
		"tools", registry.AllToolNames(),
		"search_providers", mgr.Providers(),
		"calendar", provider.Name(),
	)
	return registry, nil
}

func createCalendar(cfg *config.Config) (calendar.Provider, error) {
	switch cfg.Calendar.Provider {
	case "caldav":
		c, err := calendar.NewCalDAV(cfg.Calendar.Endpoint, cfg.Calendar.Timeout)
		if err != nil {
			return nil, fmt.Errorf("calendar: %w", err)
		}
		return c, nil
	default:
		return calendar.NewGoogle(cfg.Calendar.CalendarID, cfg.Calendar.Endpoint, cfg.Calendar.Timeout), nil
	}
}
