// Package config centralises runtime configuration for the Ledgerline
// balance synchronization service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// GatewaySettings configures the WebSocket transport to the balance gateway.
type GatewaySettings struct {
	URL    string
	UserID string
	// Token is the fallback streaming credential for accounts without one of
	// their own.
	Token string

	DialTimeout  time.Duration
	DialAttempts int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64

	ControlMessagesPerSec float64
	ControlBurst          int
}

// StreamSettings tunes the subscription lifecycle and staleness recovery.
type StreamSettings struct {
	SettleDelay          time.Duration
	AckTimeout           time.Duration
	ReconnectInitial     time.Duration
	ReconnectCeiling     time.Duration
	ReconnectMaxAttempts int
	StalenessInterval    time.Duration
	StalenessThreshold   time.Duration
}

// AccountSettings declares one watched broker account.
type AccountSettings struct {
	ID           string
	NumericAlias int64
	// Token is the account-scoped streaming credential; empty falls back to
	// the gateway-level token.
	Token string
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string
	ServiceName   string
	OTLPInsecure  bool
	EnableMetrics bool
}

// APIServerConfig configures the read-side HTTP surface.
type APIServerConfig struct {
	Addr string
}

// AppConfig is the unified application configuration combining all concerns.
type AppConfig struct {
	Environment Environment
	Gateway     GatewaySettings
	Stream      StreamSettings
	Telemetry   TelemetryConfig
	APIServer   APIServerConfig
	Accounts    []AccountSettings
}

type appConfigYAML struct {
	Environment string              `yaml:"environment"`
	Gateway     gatewayYAML         `yaml:"gateway"`
	Stream      streamYAML          `yaml:"stream"`
	Telemetry   telemetryYAML       `yaml:"telemetry"`
	APIServer   APIServerConfigYAML `yaml:"apiServer"`
	Accounts    []accountYAML       `yaml:"accounts"`
}

type gatewayYAML struct {
	URL                   string  `yaml:"url"`
	UserID                string  `yaml:"user_id"`
	Token                 string  `yaml:"token"`
	DialTimeout           string  `yaml:"dial_timeout"`
	DialAttempts          int     `yaml:"dial_attempts"`
	WriteTimeout          string  `yaml:"write_timeout"`
	PingInterval          string  `yaml:"ping_interval"`
	ReadLimit             int64   `yaml:"read_limit"`
	ControlMessagesPerSec float64 `yaml:"control_messages_per_sec"`
	ControlBurst          int     `yaml:"control_burst"`
}

type streamYAML struct {
	SettleDelay          string `yaml:"settle_delay"`
	AckTimeout           string `yaml:"ack_timeout"`
	ReconnectInitial     string `yaml:"reconnect_initial"`
	ReconnectCeiling     string `yaml:"reconnect_ceiling"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
	StalenessInterval    string `yaml:"staleness_interval"`
	StalenessThreshold   string `yaml:"staleness_threshold"`
}

type telemetryYAML struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics *bool  `yaml:"enableMetrics"`
}

// APIServerConfigYAML maps the apiServer YAML block.
type APIServerConfigYAML struct {
	Addr string `yaml:"addr"`
}

type accountYAML struct {
	ID           string `yaml:"id"`
	NumericAlias int64  `yaml:"numeric_alias"`
	Token        string `yaml:"token"`
}

// Load builds the configuration with precedence: defaults, then YAML, then
// environment variables, then validation.
func Load(configPath string) (AppConfig, error) {
	cfg := Default()

	if err := cfg.loadYAML(configPath); err != nil && !isConfigNotFoundError(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration baseline before file and env overrides.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Gateway: GatewaySettings{
			DialTimeout:           10 * time.Second,
			DialAttempts:          3,
			WriteTimeout:          5 * time.Second,
			PingInterval:          20 * time.Second,
			ReadLimit:             1 << 20,
			ControlMessagesPerSec: 5,
			ControlBurst:          10,
		},
		Stream: StreamSettings{
			SettleDelay:          500 * time.Millisecond,
			AckTimeout:           30 * time.Second,
			ReconnectInitial:     time.Second,
			ReconnectCeiling:     30 * time.Second,
			ReconnectMaxAttempts: 6,
			StalenessInterval:    15 * time.Second,
			StalenessThreshold:   time.Minute,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "balancesync",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
		APIServer: APIServerConfig{
			Addr: ":8780",
		},
	}
}

func isConfigNotFoundError(err error) bool {
	return err != nil && os.IsNotExist(err)
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("LEDGERLINE_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/app.yaml"
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	var yamlCfg appConfigYAML
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if yamlCfg.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(yamlCfg.Environment)))
	}

	g := yamlCfg.Gateway
	if g.URL != "" {
		c.Gateway.URL = g.URL
	}
	if g.UserID != "" {
		c.Gateway.UserID = g.UserID
	}
	if g.Token != "" {
		c.Gateway.Token = g.Token
	}
	mergeDuration(&c.Gateway.DialTimeout, g.DialTimeout)
	mergeDuration(&c.Gateway.WriteTimeout, g.WriteTimeout)
	mergeDuration(&c.Gateway.PingInterval, g.PingInterval)
	if g.DialAttempts > 0 {
		c.Gateway.DialAttempts = g.DialAttempts
	}
	if g.ReadLimit > 0 {
		c.Gateway.ReadLimit = g.ReadLimit
	}
	if g.ControlMessagesPerSec > 0 {
		c.Gateway.ControlMessagesPerSec = g.ControlMessagesPerSec
	}
	if g.ControlBurst > 0 {
		c.Gateway.ControlBurst = g.ControlBurst
	}

	s := yamlCfg.Stream
	mergeDuration(&c.Stream.SettleDelay, s.SettleDelay)
	mergeDuration(&c.Stream.AckTimeout, s.AckTimeout)
	mergeDuration(&c.Stream.ReconnectInitial, s.ReconnectInitial)
	mergeDuration(&c.Stream.ReconnectCeiling, s.ReconnectCeiling)
	mergeDuration(&c.Stream.StalenessInterval, s.StalenessInterval)
	mergeDuration(&c.Stream.StalenessThreshold, s.StalenessThreshold)
	if s.ReconnectMaxAttempts > 0 {
		c.Stream.ReconnectMaxAttempts = s.ReconnectMaxAttempts
	}

	tel := yamlCfg.Telemetry
	if tel.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = tel.OTLPEndpoint
	}
	if tel.ServiceName != "" {
		c.Telemetry.ServiceName = tel.ServiceName
	}
	c.Telemetry.OTLPInsecure = tel.OTLPInsecure
	if tel.EnableMetrics != nil {
		c.Telemetry.EnableMetrics = *tel.EnableMetrics
	}

	if addr := strings.TrimSpace(yamlCfg.APIServer.Addr); addr != "" {
		c.APIServer.Addr = addr
	}

	if len(yamlCfg.Accounts) > 0 {
		accounts := make([]AccountSettings, 0, len(yamlCfg.Accounts))
		for _, a := range yamlCfg.Accounts {
			accounts = append(accounts, AccountSettings{
				ID:           strings.TrimSpace(a.ID),
				NumericAlias: a.NumericAlias,
				Token:        a.Token,
			})
		}
		c.Accounts = accounts
	}

	return nil
}

func mergeDuration(dst *time.Duration, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if dur, err := time.ParseDuration(raw); err == nil && dur > 0 {
		*dst = dur
	}
}

func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("LEDGERLINE_ENV")); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("LEDGERLINE_GATEWAY_URL")); v != "" {
		c.Gateway.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGERLINE_GATEWAY_TOKEN")); v != "" {
		c.Gateway.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGERLINE_USER_ID")); v != "" {
		c.Gateway.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGERLINE_API_ADDR")); v != "" {
		c.APIServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate checks the final configuration and fills remaining defaults.
func (c *AppConfig) Validate() error {
	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	if strings.TrimSpace(c.Gateway.URL) == "" {
		return fmt.Errorf("gateway url required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway url scheme must be ws or wss, got %q", u.Scheme)
	}

	if c.Stream.ReconnectCeiling < c.Stream.ReconnectInitial {
		return fmt.Errorf("reconnect ceiling %s below initial %s", c.Stream.ReconnectCeiling, c.Stream.ReconnectInitial)
	}
	if c.Stream.StalenessThreshold < c.Stream.StalenessInterval {
		return fmt.Errorf("staleness threshold %s below check interval %s", c.Stream.StalenessThreshold, c.Stream.StalenessInterval)
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account with empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.Token == "" && c.Gateway.Token == "" {
			return fmt.Errorf("account %q has no token and no gateway fallback token", a.ID)
		}
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		c.APIServer.Addr = ":8780"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "balancesync"
	}
	return nil
}
