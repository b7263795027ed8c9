// Package config loads and validates the TeamsMirror YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default endpoints and scopes for the Microsoft cloud. graph_url and
// login_url are configurable so tests and sovereign-cloud deployments can
// point elsewhere.
const (
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"
	DefaultLoginURL = "https://login.microsoftonline.com"
	DefaultTenant   = "organizations"
)

// DefaultScopes covers read access to teams, channels, messages and chats,
// plus offline_access for refresh tokens.
var DefaultScopes = []string{
	"offline_access",
	"User.Read",
	"Team.ReadBasic.All",
	"Channel.ReadBasic.All",
	"ChannelMessage.Read.All",
	"Chat.Read",
}

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ClientID is the application (client) ID of the app registration used
	// for the device-code login. Required.
	ClientID string `yaml:"client_id"`

	// Tenant is the tenant segment of the login authority. Defaults to
	// "organizations" (any work or school account).
	Tenant string `yaml:"tenant"`

	// Scopes requested during login. Defaults to [DefaultScopes].
	Scopes []string `yaml:"scopes"`

	// GraphURL is the Graph API base URL. Defaults to the public cloud v1.0
	// endpoint.
	GraphURL string `yaml:"graph_url"`

	// LoginURL is the OAuth authority base URL, without the tenant segment.
	LoginURL string `yaml:"login_url"`

	// PollInterval controls how often the daemon runs a mirror pass.
	// Minimum 1m, maximum 24h. Defaults to 1h if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ResyncDays is how old a conversation's last download may be before its
	// messages are fetched again. 0 re-fetches every pass. Defaults to 1.
	ResyncDays *int `yaml:"resync_days"`

	// DBPath is the SQLite mirror database path. Defaults to
	// ~/.local/share/teamsmirror/mirror.db.
	DBPath string `yaml:"db_path"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "teamsmirror".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Authority returns the full OAuth authority URL, login_url plus tenant.
func (c *Config) Authority() string {
	return c.LoginURL + "/" + c.Tenant
}

// DefaultPath returns the default config file path: ~/.config/teamsmirror/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "teamsmirror", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and applies defaults in place.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if c.Tenant == "" {
		c.Tenant = DefaultTenant
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}

	if c.GraphURL == "" {
		c.GraphURL = DefaultGraphURL
	}
	if err := validHTTPURL(c.GraphURL); err != nil {
		return fmt.Errorf("graph_url: %w", err)
	}

	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if err := validHTTPURL(c.LoginURL); err != nil {
		return fmt.Errorf("login_url: %w", err)
	}

	if c.PollInterval == 0 {
		c.PollInterval = time.Hour
	}
	if c.PollInterval < time.Minute {
		return fmt.Errorf("poll_interval %v is too short (minimum 1m)", c.PollInterval)
	}
	if c.PollInterval > 24*time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 24h)", c.PollInterval)
	}

	if c.ResyncDays == nil {
		one := 1
		c.ResyncDays = &one
	}
	if *c.ResyncDays < 0 {
		return fmt.Errorf("resync_days %d must not be negative", *c.ResyncDays)
	}

	// An empty db_path means "use the default location"; the caller resolves
	// it via state.DefaultDBPath.

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func validHTTPURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%q must be a valid http or https URL", raw)
	}
	return nil
}
