// ABOUTME: Entry point for the clarity-kernel message bus and agent supervisor
// ABOUTME: Subcommands: serve, health, agents, version

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/builtins"
	"github.com/clarityos/clarity-kernel/internal/config"
	"github.com/clarityos/clarity-kernel/internal/kernel"
	"github.com/clarityos/clarity-kernel/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
      _            _ _                  _                        _
  ___| | __ _ _ __(_) |_ _   _         | | _____ _ __ _ __   ___| |
 / __| |/ _' | '__| | __| | | |  _____ | |/ / _ \ '__| '_ \ / _ \ |
| (__| | (_| | |  | | |_| |_| | |_____||   <  __/ |  | | | |  __/ |
 \___|_|\__,_|_|  |_|\__|\__, |        |_|\_\___|_|  |_| |_|\___|_|
                         |___/
`

func usage() {
	fmt.Println("Usage: clarity-kernel <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the bus, the supervisor and the introspection servers")
	fmt.Println("  health     Check a running kernel's readiness")
	fmt.Println("  agents     List agent manifests, known kinds and stored agent records")
	fmt.Println("  version    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "version", "--version":
		fmt.Printf("clarity-kernel %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves and loads the config file, falling back to defaults
// plus CLARITY_* overrides when there is none.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path := config.ResolvePath(flagValue)
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, "", err
		}
		return cfg, "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to kernel.yaml")
	agentsDir := flags.String("agents-dir", "", "override supervisor.agents_dir")
	logLevel := flags.String("log-level", "", "override logging.level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	if *agentsDir != "" {
		cfg.Supervisor.AgentsDir = *agentsDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	show := func(label, value string) {
		green.Print("    ▶ ")
		if value == "" {
			value = gray.Sprint("disabled")
		}
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	show("Config", configPath)
	show("Agents", cfg.Supervisor.AgentsDir)
	show("Database", cfg.Database.Path)
	show("gRPC", cfg.Server.GRPCAddr)
	show("HTTP", cfg.Server.HTTPAddr)
	fmt.Println()

	logger.Info("starting clarity-kernel",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	k, err := kernel.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating kernel: %w", err)
	}
	return k.Run(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to kernel.yaml")
	addr := flags.String("addr", "", "HTTP address of the kernel (default: server.http_addr)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	target := *addr
	if target == "" {
		cfg, _, err := loadConfig(*configFlag)
		if err != nil {
			return err
		}
		target = cfg.Server.HTTPAddr
	}
	if target == "" {
		return fmt.Errorf("no HTTP address: set server.http_addr or pass --addr")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

// runAgents works offline: it reads the manifest directory and the registry
// database without talking to a running kernel.
func runAgents(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("agents", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to kernel.yaml")
	dbPath := flags.String("db", "", "registry database (default: database.path)")
	limit := flags.Int("transitions", 0, "also show the last N transitions of each stored agent")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	if *dbPath == "" {
		*dbPath = cfg.Database.Path
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	registry := agent.NewRegistry()
	if err := builtins.Register(registry); err != nil {
		return err
	}
	bold.Println("Kinds")
	fmt.Printf("  %s\n\n", strings.Join(registry.Kinds(), ", "))

	bold.Printf("Manifests (%s)\n", cfg.Supervisor.AgentsDir)
	manifests, loadErr := config.LoadManifests(cfg.Supervisor.AgentsDir)
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tKIND\tVERSION\tAUTO START\tFILE")
	for _, m := range manifests {
		kind := m.Kind
		if _, ok := registry.Lookup(m.Kind); !ok {
			kind = color.RedString(m.Kind + " (unknown)")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%t\t%s\n", m.Name, kind, m.Version, m.AutoStart, m.Path)
	}
	_ = w.Flush()
	if loadErr != nil {
		color.Yellow("  %v", loadErr)
	}
	fmt.Println()

	if *dbPath == "" {
		gray.Println("Persistence disabled; no stored agents.")
		return nil
	}
	if _, err := os.Stat(*dbPath); err != nil {
		gray.Printf("No registry database at %s\n", *dbPath)
		return nil
	}

	s, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	records, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	bold.Printf("Stored agents (%s)\n", *dbPath)
	w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tKIND\tSTATUS\tRESTARTS\tUPDATED\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Kind, statusColor(r.Status), r.Restarts,
			r.UpdatedAt.Local().Format(time.DateTime), r.LastError)
	}
	_ = w.Flush()

	if *limit <= 0 {
		return nil
	}
	for _, r := range records {
		transitions, err := s.ListTransitions(ctx, store.TransitionFilter{AgentID: r.ID, Limit: *limit})
		if err != nil {
			return fmt.Errorf("listing transitions for %s: %w", r.ID, err)
		}
		fmt.Println()
		bold.Printf("%s (%s)\n", r.Name, r.ID)
		for _, t := range transitions {
			from := t.From
			if from == "" {
				from = "-"
			}
			line := fmt.Sprintf("  %s  %s -> %s", t.Timestamp.Local().Format(time.DateTime), from, statusColor(t.To))
			if t.Error != "" {
				line += gray.Sprintf("  (%s)", t.Error)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func statusColor(status string) string {
	switch agent.Status(status) {
	case agent.StatusRunning:
		return color.GreenString(status)
	case agent.StatusDegraded, agent.StatusPaused, agent.StatusUpdating:
		return color.YellowString(status)
	case agent.StatusFailed:
		return color.RedString(status)
	default:
		return status
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05.000") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
