// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSweepInterval is how often queued services are re-matched when
// matching.sweep_interval is not set.
const DefaultSweepInterval = 10 * time.Second

// Config represents the complete switchboard configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Matching MatchingConfig `yaml:"matching"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Presence PresenceConfig `yaml:"presence"`
	Events   EventsConfig   `yaml:"events"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration for the ops API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MatchingConfig controls attendant matching and the queue sweep.
type MatchingConfig struct {
	SweepInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SweepIntervalRaw string `yaml:"sweep_interval"`

	// CustomerGroup is the presence-provider group whose members serve
	// registered customers. Empty means every known attendant.
	CustomerGroup string `yaml:"customer_group"`
	// ProspectGroup serves everyone else.
	ProspectGroup string `yaml:"prospect_group"`
}

// WhatsAppConfig holds the customer channel (WhatsApp Cloud API) settings
type WhatsAppConfig struct {
	BaseURL       string `yaml:"base_url"`
	PhoneNumberID string `yaml:"phone_number_id"`
	Token         string `yaml:"token"`
	VerifyToken   string `yaml:"verify_token"`
	// AppSecret checks the X-Hub-Signature-256 of webhook payloads
	AppSecret string `yaml:"app_secret"`
}

// MatrixConfig holds the attendant channel settings
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedUsers []string `yaml:"allowed_users"`
	// PresenceIDs maps attendant Matrix user ids to presence-provider ids.
	// Unmapped attendants use their Matrix id.
	PresenceIDs map[string]string `yaml:"presence_ids"`
}

// PresenceConfig selects and configures the presence provider.
// Provider is "graph" (Microsoft Graph) or "static".
type PresenceConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`

	// Static is used by the static provider: presence id -> availability
	Static map[string]string `yaml:"static"`
	// Groups is used by the static provider: group id -> member presence ids
	Groups map[string][]string `yaml:"groups"`
}

// EventsConfig configures the optional AMQP lifecycle publisher
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// CatalogConfig points at an optional TOML file overriding the built-in texts
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Matching.SweepInterval == 0 {
		cfg.Matching.SweepInterval = DefaultSweepInterval
	}
	if cfg.Presence.Provider == "" {
		cfg.Presence.Provider = "static"
	}
	if cfg.Presence.Timeout == 0 {
		cfg.Presence.Timeout = 10 * time.Second
	}
	if cfg.WhatsApp.BaseURL == "" {
		cfg.WhatsApp.BaseURL = "https://graph.facebook.com/v18.0"
	}
	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "switchboard.events"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Matching.SweepInterval < 0 {
		return fmt.Errorf("matching.sweep_interval must be positive")
	}

	switch c.Presence.Provider {
	case "static":
	case "graph":
		if c.Presence.BaseURL == "" {
			return fmt.Errorf("presence.base_url is required for the graph provider")
		}
	default:
		return fmt.Errorf("presence.provider must be graph or static, got %q", c.Presence.Provider)
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Matching.SweepIntervalRaw != "" {
		cfg.Matching.SweepInterval, err = time.ParseDuration(cfg.Matching.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Matching.SweepIntervalRaw, err)
		}
	}

	if cfg.Presence.TimeoutRaw != "" {
		cfg.Presence.Timeout, err = time.ParseDuration(cfg.Presence.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing presence timeout %q: %w", cfg.Presence.TimeoutRaw, err)
		}
	}

	return nil
}
