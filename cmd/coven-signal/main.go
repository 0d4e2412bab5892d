// ABOUTME: Entry point for coven-signal, the Signal messaging gateway
// ABOUTME: Subcommands serve the gateway, write a config, probe health and mint tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/2389/coven-signal/internal/auth"
	"github.com/2389/coven-signal/internal/config"
	"github.com/2389/coven-signal/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                           _                   _
  ___ _____   _____ _ __        ___(_) __ _ _ __   __ _| |
 / __/ _ \ \ / / _ \ '_ \ _____/ __| |/ _' | '_ \ / _' | |
| (_| (_) \ V /  __/ | | |_____\__ \ | (_| | | | | (_| | |
 \___\___/ \_/ \___|_| |_|     |___/_|\__, |_| |_|\__,_|_|
                                      |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the config file.
// Priority: COVEN_SIGNAL_CONFIG env var > XDG_CONFIG_HOME/coven/signal.yaml > ~/.config/coven/signal.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_SIGNAL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "signal.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "signal.yaml")
}

// loadConfig reads the config file, falling back to defaults plus
// environment when no file exists.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.FromEnv()
	}
	return config.Load(path)
}

func usage() {
	fmt.Println("Usage: coven-signal <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  token --user ID        Mint a bearer token for the Control API")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
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

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	bullet("Config", configPath)
	bullet("HTTP", cfg.Server.HTTPAddr)
	bullet("Account", cfg.Account.Number)
	switch {
	case cfg.Daemon.URL != "":
		bullet("Daemon", cfg.Daemon.URL)
	case cfg.Daemon.AutoStart:
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s ", "Daemon:", cfg.Daemon.Binary)
		yellow.Println("[auto-start]")
	default:
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Daemon:")
		yellow.Println("not configured")
	}
	bullet("Storage", cfg.Storage.Backend+" "+cfg.Storage.Path)
	fmt.Println()

	logger.Info("starting coven-signal",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"account", cfg.Account.Number,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// healthURL turns a listen address into a URL a local client can reach.
func healthURL(httpAddr string) string {
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return fmt.Sprintf("http://%s/health", httpAddr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port))
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg.Server.HTTPAddr), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}

	fmt.Printf("status:    %s\n", health.Status)
	fmt.Printf("account:   %s\n", health.Account)
	fmt.Printf("mappings:  %d\n", health.Mappings)
	if health.DaemonConnected {
		green.Println("daemon:    connected")
	} else {
		yellow.Println("daemon:    disconnected")
	}
	return nil
}

// runToken mints a bearer token signed with the configured secret.
// Supports both "--user value" and "--user=value", plus --ttl.
func runToken(args []string, out io.Writer) error {
	var userID string
	ttl := defaultTokenTTL

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid --ttl %q", args[i+1])
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Secret:   cfg.Auth.Secret,
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
	})
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("coven-signal configuration setup")
	fmt.Println("================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := strings.ToLower(prompt(reader, "File exists. Overwrite?", "no"))
		if overwrite != "yes" && overwrite != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Signal ---")
	account := prompt(reader, "Gateway Signal number (E.164)", "")
	daemonURL := prompt(reader, "External daemon URL (leave empty to auto-start signal-cli)", "")
	var binary, sessions string
	if daemonURL == "" {
		binary = prompt(reader, "signal-cli binary", "signal-cli")
		sessions = prompt(reader, "signal-cli config directory", "")
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "Control API address", ":8787")

	fmt.Println("\n--- Agents ---")
	agentsEndpoint := prompt(reader, "Agent backend URL", "http://127.0.0.1:8080")
	defaultAgent := prompt(reader, "Default agent", "paddy")

	fmt.Println("\n--- Storage ---")
	backend := prompt(reader, "Mapping storage (file/sqlite)", "file")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# coven-signal configuration\n")
	cfg.WriteString("# Generated by coven-signal init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("daemon:\n")
	if daemonURL != "" {
		fmt.Fprintf(&cfg, "  url: %q\n\n", daemonURL)
	} else {
		cfg.WriteString("  auto_start: true\n")
		fmt.Fprintf(&cfg, "  binary: %q\n", binary)
		if sessions != "" {
			fmt.Fprintf(&cfg, "  config_dir: %q\n", sessions)
		}
		cfg.WriteString("\n")
	}

	cfg.WriteString("account:\n")
	fmt.Fprintf(&cfg, "  number: %q\n\n", account)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  secret: %q\n\n", secret)

	cfg.WriteString("storage:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n\n", backend)

	cfg.WriteString("agents:\n")
	fmt.Fprintf(&cfg, "  endpoint: %q\n", agentsEndpoint)
	fmt.Fprintf(&cfg, "  default: %q\n\n", defaultAgent)

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file carries the shared secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the gateway:")
	fmt.Println("  coven-signal serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
