// ABOUTME: Entry point for the conclave host orchestrator
// ABOUTME: Subcommands: serve, init, health, agents, register

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/config"
	"github.com/2389/conclave/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                       _
  ___ ___  _ __   ___ | | __ ___   _____
 / __/ _ \| '_ \ / __|| |/ _' \ \ / / _ \
| (_| (_) | | | | (__ | | (_| |\ V /  __/
 \___\___/|_| |_|\___||_|\__,_| \_/ \___|
`

// getConfigPath returns the path to the config file.
// Priority: CONCLAVE_CONFIG env var > XDG_CONFIG_HOME/conclave/config.yaml > ~/.config/conclave/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONCLAVE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "conclave", "config.yaml")
}

// getDataPath returns the conclave data directory.
// Priority: XDG_DATA_HOME/conclave > ~/.local/share/conclave
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "conclave")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: conclave <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve           Start the host")
		fmt.Println("  init            Create a new config file interactively")
		fmt.Println("  health          Check host health")
		fmt.Println("  agents          List registered agents")
		fmt.Println("  register URL    Register a remote agent")
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
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "register":
		err = runRegister(ctx, os.Args[2:])
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

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Mode:      %s", cfg.Host.Mode)
	if cfg.Host.Mode == config.ModeFake {
		yellow.Print(" [echo only]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Policy:    %s\n", cfg.Host.Policy)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting conclave",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"mode", cfg.Host.Mode,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// apiBaseURL is where the CLI reaches a running host.
func apiBaseURL(cfg *config.Config) string {
	if env := os.Getenv("CONCLAVE_URL"); env != "" {
		return strings.TrimSuffix(env, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBaseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

// postAPI calls a JSON route on a running host and decodes its result into out.
func postAPI(ctx context.Context, baseURL, path string, params, out any) error {
	payload, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, env.Error)
	}
	return json.Unmarshal(env.Result, out)
}

func runAgents(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var cards []a2a.AgentCard
	if err := postAPI(ctx, apiBaseURL(cfg), "/agent/list", nil, &cards); err != nil {
		return err
	}

	if len(cards) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	printCards(os.Stdout, cards)
	return nil
}

func printCards(w io.Writer, cards []a2a.AgentCard) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	for _, c := range cards {
		bold.Fprint(w, c.Name)
		gray.Fprintf(w, "  %s\n", c.URL)
		if c.Description != "" {
			fmt.Fprintf(w, "    %s\n", c.Description)
		}
		for _, s := range c.Skills {
			fmt.Fprintf(w, "    - %s", s.Name)
			if len(s.Tags) > 0 {
				gray.Fprintf(w, " [%s]", strings.Join(s.Tags, ", "))
			}
			fmt.Fprintln(w)
		}
	}
}

func runRegister(ctx context.Context, args []string) error {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: conclave register URL")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var card a2a.AgentCard
	if err := postAPI(ctx, apiBaseURL(cfg), "/agent/register", args[0], &card); err != nil {
		return err
	}

	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Registered %s\n", card.Name)
	printCards(os.Stdout, []a2a.AgentCard{card})
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("conclave configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "agents.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Agent Registrations ---")
	dbPath := prompt(reader, "SQLite database path (empty to keep in memory)", defaultDbPath)
	bootstrap := prompt(reader, "Agents to register at startup (comma separated)", "")

	fmt.Println("\n--- Routing ---")
	mode := prompt(reader, "Mode (live/fake)", config.ModeLive)
	policy := prompt(reader, "Policy (keyword/llm)", config.PolicyKeyword)
	var llmModel, llmBaseURL string
	if policy == config.PolicyLLM {
		llmModel = prompt(reader, "Model", "gpt-4o-mini")
		llmBaseURL = prompt(reader, "API base URL (empty for OpenAI)", "")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# conclave configuration\n")
	cfg.WriteString("# Generated by conclave init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))
	}

	cfg.WriteString("agents:\n")
	cfg.WriteString("  discovery_timeout: \"10s\"\n")
	if bootstrap != "" {
		cfg.WriteString("  bootstrap:\n")
		for _, u := range strings.Split(bootstrap, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WriteString(fmt.Sprintf("    - %q\n", u))
			}
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("host:\n")
	cfg.WriteString(fmt.Sprintf("  mode: %q\n", mode))
	cfg.WriteString(fmt.Sprintf("  policy: %q\n", policy))
	cfg.WriteString("\n")

	if policy == config.PolicyLLM {
		cfg.WriteString("llm:\n")
		cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  model: %q\n", llmModel))
		if llmBaseURL != "" {
			cfg.WriteString(fmt.Sprintf("  base_url: %q\n", llmBaseURL))
		}
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the host:")
	fmt.Printf("  conclave serve\n")

	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
