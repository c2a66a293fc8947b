// Package config handles loading and validating Ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ngome.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Outputs       OutputsConfig        `json:"outputs" yaml:"outputs"`
	Permission    PermissionConfig     `json:"permission" yaml:"permission"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = no HTTP/WebSocket surface
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = no retention sweeps
	MCP           []MCPServerConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // External MCP tool servers.
}

// SandboxConfig controls command execution.
type SandboxConfig struct {
	Shell                 string `json:"shell,omitempty" yaml:"shell,omitempty"`                       // Default: "bash".
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`       // Foreground wait before promotion. Default: 30.
	MaxTimeoutSeconds     int    `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`               // Ceiling for per-call timeouts. Default: 600.
	KillSignal            string `json:"kill_signal,omitempty" yaml:"kill_signal,omitempty"`           // "SIGKILL" (default) or "SIGTERM".
	NetworkAllowed        bool   `json:"network_allowed" yaml:"network_allowed"`                       // Grants network mode without approval.
	MaxOutputBytes        int64  `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"` // In-memory capture cap per command. Default: 1 MiB.
}

// DefaultTimeout returns the foreground wait duration with a default of 30s.
func (s *SandboxConfig) DefaultTimeout() time.Duration {
	if s != nil && s.DefaultTimeoutSeconds > 0 {
		return time.Duration(s.DefaultTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxTimeout returns the timeout ceiling with a default of 10m.
func (s *SandboxConfig) MaxTimeout() time.Duration {
	if s != nil && s.MaxTimeoutSeconds > 0 {
		return time.Duration(s.MaxTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// OutputCap returns the in-memory capture cap with a default of 1 MiB.
// The full output still reaches the tee file regardless of the cap.
func (s *SandboxConfig) OutputCap() int64 {
	if s != nil && s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// ShellPath returns the shell binary with a default of "bash".
func (s *SandboxConfig) ShellPath() string {
	if s != nil && s.Shell != "" {
		return s.Shell
	}
	return "bash"
}

// OutputsConfig controls output storage and truncation.
type OutputsConfig struct {
	InlineLimitBytes int `json:"inline_limit_bytes" yaml:"inline_limit_bytes"` // Max bytes returned inline. Default: 4000.
	DefaultMaxLines  int `json:"default_max_lines" yaml:"default_max_lines"`   // Preview line cap. Default: 200.
	HardMaxLines     int `json:"hard_max_lines" yaml:"hard_max_lines"`         // Absolute preview ceiling. Default: 800.
	RetentionDays    int `json:"retention_days" yaml:"retention_days"`         // Janitor deletes stored outputs older than this. Default: 7.
}

// InlineLimit returns the inline byte limit with a default of 4000.
func (o *OutputsConfig) InlineLimit() int {
	if o != nil && o.InlineLimitBytes > 0 {
		return o.InlineLimitBytes
	}
	return 4000
}

// MaxLines returns the default preview line cap with a default of 200.
func (o *OutputsConfig) MaxLines() int {
	if o != nil && o.DefaultMaxLines > 0 {
		return o.DefaultMaxLines
	}
	return 200
}

// MaxLinesCeiling returns the absolute preview ceiling with a default of 800.
func (o *OutputsConfig) MaxLinesCeiling() int {
	if o != nil && o.HardMaxLines > 0 {
		return o.HardMaxLines
	}
	return 800
}

// Retention returns the stored-output retention period with a default of 7 days.
func (o *OutputsConfig) Retention() time.Duration {
	if o != nil && o.RetentionDays > 0 {
		return time.Duration(o.RetentionDays) * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// PermissionConfig configures the execution permission policy.
type PermissionConfig struct {
	Mode               string `json:"mode" yaml:"mode"`                                 // "sandboxed" (default), "network", or "unsafe".
	Policy             string `json:"policy" yaml:"policy"`                             // "stateful" (default), "allow_all", or "deny_unsafe".
	ApprovalTTLSeconds int    `json:"approval_ttl_seconds" yaml:"approval_ttl_seconds"` // Pending approval lifetime. Default: 300.
}

// EffectiveMode returns the configured mode with a default of "sandboxed".
func (p *PermissionConfig) EffectiveMode() string {
	if p != nil && p.Mode != "" {
		return p.Mode
	}
	return "sandboxed"
}

// EffectivePolicy returns the configured policy with a default of "stateful".
func (p *PermissionConfig) EffectivePolicy() string {
	if p != nil && p.Policy != "" {
		return p.Policy
	}
	return "stateful"
}

// ApprovalTTL returns the pending approval lifetime with a default of 5m.
func (p *PermissionConfig) ApprovalTTL() time.Duration {
	if p != nil && p.ApprovalTTLSeconds > 0 {
		return time.Duration(p.ApprovalTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// GatewayConfig configures the HTTP API and the approver WebSocket channel.
type GatewayConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API.
type HTTPGatewayConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	APIKey              string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: NGOME_API_KEY env var.
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimitPerMinute  int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"` // Approval requests per caller per minute. 0 = unlimited.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the approver WebSocket endpoint.
type WebSocketGatewayConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	Path                  string `json:"path" yaml:"path"`                                     // Default: "/ws/approvals".
	Token                 string `json:"token,omitempty" yaml:"token,omitempty"`               // Override: NGOME_WS_TOKEN env var.
	PingIntervalSeconds   int    `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`   // Default: 30.
	WriteTimeoutSeconds   int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`   // Default: 10.
}

// WSPath returns the WebSocket path with a default of "/ws/approvals".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/approvals"
}

// PingInterval returns the ping interval with a default of 30s.
func (w *WebSocketGatewayConfig) PingInterval() time.Duration {
	if w != nil && w.PingIntervalSeconds > 0 {
		return time.Duration(w.PingIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WriteTimeout returns the per-message write timeout with a default of 10s.
func (w *WebSocketGatewayConfig) WriteTimeout() time.Duration {
	if w != nil && w.WriteTimeoutSeconds > 0 {
		return time.Duration(w.WriteTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeIndex   bool `json:"include_index" yaml:"include_index"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// JanitorConfig configures the background retention sweeper.
// When nil, stored outputs and session directories are kept indefinitely.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "0 * * * *" (hourly).
}

// CronSchedule returns the sweep schedule with a default of hourly.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "0 * * * *"
}

// MCPServerConfig defines a single external MCP server connection.
// Ngome acts as an MCP client, connecting at startup, discovering tools,
// and registering them as IPC commands.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Default returns a Config with all defaults applied and no optional
// sections enabled. Used when no config file exists.
func Default() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Gateway secrets can be set in the config file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
// Env vars take precedence over config file values.
func (c *Config) applyEnvOverrides() {
	if envWS := os.Getenv("NGOME_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envMode := os.Getenv("NGOME_PERMISSION_MODE"); envMode != "" {
		c.Permission.Mode = envMode
	}
	if envKey := os.Getenv("NGOME_API_KEY"); envKey != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		if c.Gateway.HTTP == nil {
			c.Gateway.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateway.HTTP.APIKey = envKey
	}
	if envTok := os.Getenv("NGOME_WS_TOKEN"); envTok != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		if c.Gateway.WebSocket == nil {
			c.Gateway.WebSocket = &WebSocketGatewayConfig{}
		}
		c.Gateway.WebSocket.Token = envTok
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	switch c.Permission.EffectiveMode() {
	case "sandboxed", "network", "unsafe":
		// valid
	default:
		return fmt.Errorf("permission.mode %q is not supported (use sandboxed, network, or unsafe)", c.Permission.Mode)
	}
	switch c.Permission.EffectivePolicy() {
	case "stateful", "allow_all", "deny_unsafe":
		// valid
	default:
		return fmt.Errorf("permission.policy %q is not supported (use stateful, allow_all, or deny_unsafe)", c.Permission.Policy)
	}
	if c.Sandbox.KillSignal != "" {
		switch c.Sandbox.KillSignal {
		case "SIGKILL", "SIGTERM":
			// valid
		default:
			return fmt.Errorf("sandbox.kill_signal %q is not supported (use SIGKILL or SIGTERM)", c.Sandbox.KillSignal)
		}
	}
	if c.Sandbox.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.default_timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.max_timeout_seconds must not be negative")
	}
	if c.Outputs.InlineLimitBytes < 0 {
		return fmt.Errorf("outputs.inline_limit_bytes must not be negative")
	}
	if c.Outputs.HardMaxLines != 0 && c.Outputs.HardMaxLines < c.Outputs.DefaultMaxLines {
		return fmt.Errorf("outputs.hard_max_lines must be >= outputs.default_max_lines")
	}
	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.MCP))
	for i, srv := range c.MCP {
		if srv.Name == "" {
			return fmt.Errorf("mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
