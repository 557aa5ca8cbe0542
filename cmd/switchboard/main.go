// ABOUTME: Entry point for the switchboard customer/attendant relay
// ABOUTME: Wires channels, store, presence and orchestrator, and issues ops API tokens

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/channel/matrix"
	"github.com/2389/switchboard/internal/channel/whatsapp"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/orchestrator"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/registration"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _ _       _     _                         _
 _____   _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// getConfigPath returns the path to the config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/config.yaml > ~/.config/switchboard/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "switchboard", "config.yaml")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: switchboard <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start the switchboard")
	fmt.Fprintln(w, "  token --subject NAME [--admin] Issue an ops API token")
	fmt.Fprintln(w, "  health                         Check a running switchboard")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
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

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	printStartup(configPath, cfg)

	logger.Info("starting switchboard",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"matrix", cfg.Matrix.Enabled,
		"presence", cfg.Presence.Provider,
	)

	gw, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return gw.Run(ctx)
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Database", cfg.Database.Path)
	line("Presence", cfg.Presence.Provider)
	if cfg.Matrix.Enabled {
		line("Matrix", cfg.Matrix.UserID+" @ "+cfg.Matrix.Homeserver)
	} else {
		yellow.Println("    ! Matrix disabled: attendant messages are only logged")
	}
	if cfg.Events.URL != "" {
		line("Events", cfg.Events.Exchange)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth.jwt_secret not set: ops API is unauthenticated")
	}
	fmt.Println()
}

// build wires every component from cfg. cleanup releases what the gateway
// does not own itself.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*gateway.Gateway, func(), error) {
		cleanup()
		return nil, nil, err
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fail(fmt.Errorf("loading catalog: %w", err))
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fail(fmt.Errorf("initializing store: %w", err))
	}
	// The gateway closes the store on shutdown; close it here only if
	// wiring fails before the gateway exists.
	storeOwned := false
	closers = append(closers, func() {
		if !storeOwned {
			_ = s.Close()
		}
	})

	customers := whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.WhatsApp.BaseURL,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
	}, logger)

	var attendants channel.Gateway
	var attendantSync gateway.SyncRunner
	if cfg.Matrix.Enabled {
		mx, err := matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			AccessToken:  cfg.Matrix.AccessToken,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			PresenceIDs:  cfg.Matrix.PresenceIDs,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("creating matrix gateway: %w", err))
		}
		attendants, attendantSync = mx, mx
	} else {
		attendants = channel.NewLogSink(channel.KindAttendant, logger)
	}
	gateways := channel.NewGateways(customers, attendants)

	var provider presence.Provider
	switch cfg.Presence.Provider {
	case "graph":
		provider = presence.NewGraph(presence.GraphConfig{
			BaseURL: cfg.Presence.BaseURL,
			Token:   cfg.Presence.Token,
			Timeout: cfg.Presence.Timeout,
		}, logger)
	default:
		provider = presence.NewStatic(cfg.Presence.Static, cfg.Presence.Groups)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.URL != "" {
		amqp, err := events.NewAMQP(ctx, events.AMQPConfig{
			URL:      cfg.Events.URL,
			Exchange: cfg.Events.Exchange,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("connecting event publisher: %w", err))
		}
		publisher = events.WithLogging(amqp, logger)
		closers = append(closers, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("closing event publisher", "error", err)
			}
		})
	}

	seen := dedupe.New(dedupe.Options{})
	closers = append(closers, seen.Close)

	orch := orchestrator.New(orchestrator.Options{
		Store:         s,
		Presence:      provider,
		Sender:        gateways,
		Catalog:       cat,
		Events:        publisher,
		Logger:        logger,
		CustomerGroup: cfg.Matching.CustomerGroup,
		ProspectGroup: cfg.Matching.ProspectGroup,
	})

	r := router.New(router.Options{
		Directory:    s,
		Stepper:      registration.NewStepper(s, cat, logger),
		Orchestrator: orch,
		Sender:       gateways,
		Catalog:      cat,
		Dedupe:       seen,
		Logger:       logger,
	})

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fail(fmt.Errorf("creating JWT verifier: %w", err))
		}
		verifier = v
	}

	gw, err := gateway.New(gateway.Options{
		Config:     cfg,
		Store:      s,
		Router:     r,
		Matcher:    orch,
		Attendants: attendantSync,
		Verifier:   verifier,
		Logger:     logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating gateway: %w", err))
	}
	storeOwned = true

	return gw, cleanup, nil
}

// tokenOptions are the flags of the token command.
type tokenOptions struct {
	subject string
	admin   bool
	ttl     time.Duration
}

func parseTokenArgs(args []string) (tokenOptions, error) {
	var opts tokenOptions
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.subject, "subject", "", "operator name (sub claim)")
	fs.BoolVar(&opts.admin, "admin", false, "grant the admin role")
	fs.DurationVar(&opts.ttl, "ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if opts.subject == "" {
		return opts, errors.New("--subject is required")
	}
	if opts.ttl <= 0 {
		return opts, errors.New("--ttl must be positive")
	}
	return opts, nil
}

func runToken(args []string, out io.Writer) error {
	opts, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := issueToken([]byte(cfg.Auth.JWTSecret), opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func issueToken(secret []byte, opts tokenOptions) (string, error) {
	verifier, err := auth.NewJWTVerifier(secret)
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	var roles []string
	if opts.admin {
		roles = []string{auth.RoleAdmin}
	}
	token, err := verifier.Generate(opts.subject, roles, opts.ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
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
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
