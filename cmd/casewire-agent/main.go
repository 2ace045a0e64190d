// ABOUTME: Entry point for a casewire agent process.
// ABOUTME: Runs one agent role: coordinator, negotiation, or context.

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/casewire/casewire/internal/agent"
	"github.com/casewire/casewire/internal/card"
	"github.com/casewire/casewire/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                _
  ___ __ _ ___  _____      ___ (_)_ __ ___
 / __/ _' / __|/ _ \ \ /\ / / || | '__/ _ \
| (_| (_| \__ \  __/\ V  V /| || | | |  __/
 \___\__,_|___/\___| \_/\_/ |_||_|_|  \___|
`

// getConfigPath returns the path to the agent config file.
// Priority: CASEWIRE_CONFIG env var > XDG_CONFIG_HOME/casewire/agent.yaml > ~/.config/casewire/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CASEWIRE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "casewire", "agent.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: casewire-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve [--role ROLE]  Start the agent process")
		fmt.Println("  init                 Create a config file with a fresh shared secret")
		fmt.Println("  card [URL]           Fetch and print an agent's capability card")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "card":
		err = runCard(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Role override: serve --role negotiation
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--role":
			if i+1 >= len(args) {
				return fmt.Errorf("--role requires a value")
			}
			cfg.Agent.Role = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--role="):
			cfg.Agent.Role = strings.TrimPrefix(args[i], "--role=")
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:    %s (%s)\n", cfg.Agent.ID, cfg.Agent.Role)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting casewire-agent",
		"config", configPath,
		"agent_id", cfg.Agent.ID,
		"role", cfg.Agent.Role,
		"addr", cfg.Server.Addr,
	)

	svc, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agent service: %w", err)
	}

	return svc.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating shared secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := fmt.Sprintf(`# casewire agent configuration
# Generated by casewire-agent init

agent:
  id: "coordinator"
  role: "coordinator"
  peers:
    negotiation: "http://localhost:9002"
    context: "http://localhost:9003"

server:
  addr: ":9001"

database:
  path: "casewire.db"

auth:
  secret: "%s"

queue:
  backend: "sqlite"
  capacity: 256

logging:
  level: "info"
  format: "text"
`, secret)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Every agent process must share the same auth secret.")
	fmt.Println("To start the agent:")
	fmt.Println("  casewire-agent serve")

	return nil
}

// runCard fetches a peer's capability card, defaulting to this agent's
// own listen address.
func runCard(ctx context.Context) error {
	var base string
	if len(os.Args) > 2 {
		base = os.Args[2]
	} else {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if strings.HasPrefix(cfg.Server.Addr, ":") {
			base = "http://localhost" + cfg.Server.Addr
		} else {
			base = "http://" + cfg.Server.Addr
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(base, "/")+card.WellKnownPath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching card: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
