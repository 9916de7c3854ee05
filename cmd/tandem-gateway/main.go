// ABOUTME: Entry point for tandem-gateway, the two-party messaging server
// ABOUTME: Subcommands serve, init, token, health and ready share one config file

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
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

	"github.com/2389/tandem/internal/auth"
	"github.com/2389/tandem/internal/config"
	"github.com/2389/tandem/internal/gateway"
	"github.com/2389/tandem/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                  _
 | |_ __ _ _ __   __| | ___ _ __ ___
 | __/ _' | '_ \ / _' |/ _ \ '_ ' _ \
 | || (_| | | | | (_| |  __/ | | | | |
  \__\__,_|_| |_|\__,_|\___|_| |_| |_|
`

func usage() {
	fmt.Println("Usage: tandem-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token --user ID [--ttl 720h]  Mint a bearer token for a user")
	fmt.Println("  health                        Check gateway liveness")
	fmt.Println("  ready                         Check gateway readiness and session count")
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
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "help", "-h", "--help":
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Database", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Redis.Enabled {
		line("Redis", cfg.Redis.Addr)
	}
	if cfg.NATS.Enabled {
		line("NATS", cfg.NATS.URL)
	}
	fmt.Println()

	logger.Info("starting tandem-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runProbe requests path on the configured HTTP address and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", probeAddr(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// probeAddr swaps a wildcard listen host for loopback.
func probeAddr(addr string) string {
	for _, wildcard := range []string{"0.0.0.0:", "[::]:", ":"} {
		if rest, ok := strings.CutPrefix(addr, wildcard); ok {
			return "127.0.0.1:" + rest
		}
	}
	return addr
}

// runToken mints a token for --user. Supports "--flag value" and "--flag=value".
func runToken(args []string) error {
	var userID string
	ttl := 30 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--user", "-u", "--ttl":
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		if !hasValue {
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		if name == "--ttl" {
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("--ttl must be a positive duration, got %q", value)
			}
			ttl = d
			continue
		}
		userID = value
	}

	if !store.ValidUserID(userID) {
		return fmt.Errorf("--user is required and must not contain %q", "|")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "token for %s, expires %s\n",
		userID, time.Now().Add(ttl).UTC().Format("Jan 02, 2006 15:04 MST"))
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tandem-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	cfg := config.Default()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	cfg.Database.Path = prompt(reader, "SQLite database path", cfg.Database.Path)

	fmt.Println("\n--- Tailscale ---")
	if yes(prompt(reader, "Enable Tailscale?", "no")) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = prompt(reader, "Tailscale hostname", "tandem")
		cfg.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.Ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		cfg.Tailscale.Funnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Integrations ---")
	if yes(prompt(reader, "Mirror presence to Redis?", "no")) {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = prompt(reader, "Redis address", cfg.Redis.Addr)
	}
	if yes(prompt(reader, "Publish message events to NATS?", "no")) {
		cfg.NATS.Enabled = true
		cfg.NATS.URL = prompt(reader, "NATS URL", cfg.NATS.URL)
	}

	fmt.Println("\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = secret

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.WriteYAML(outputFile, cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", filepath.Dir(cfg.Database.Path))
	fmt.Println()
	color.New(color.FgYellow).Println("  Next:")
	fmt.Println("    tandem-gateway token --user alice   # mint a token")
	fmt.Println("    tandem-gateway serve                # start the gateway")
	fmt.Println()
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	if input = strings.TrimSpace(input); input == "" {
		return defaultVal
	}
	return input
}
