// Package config provides configuration management for the promptbench
// server: the default workspace connection and parameters, the CORS relay,
// history storage, stream limits and the auxiliary judge model.
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/pricing"
	"github.com/teilomillet/promptbench/validation"
)

// Config represents the complete server configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Workspace      compiler.Connection  `yaml:"workspace"`
	Params         compiler.Params      `yaml:"params"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	History        HistoryConfig        `yaml:"history"`
	Stream         StreamConfig         `yaml:"stream"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Judge          JudgeConfig          `yaml:"judge"`
	Matrix         MatrixConfig         `yaml:"matrix"`

	// Pricing overrides or extends the built-in price table, keyed by model id.
	Pricing map[string]pricing.Price `yaml:"pricing"`

	TestMode bool `yaml:"-"` // Skip metric registration in tests
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. Streamed runs can take longer
	// than ordinary requests, so zero disables it (default: 0)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownTimeout specifies how long to wait for the server to shutdown
	// gracefully before forcing termination (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists the origins allowed by CORS. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// ProxyConfig configures the CORS relay that forwards browser requests to
// allow-listed completion endpoints.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// AllowedDomains are matched against the target host exactly or as a
	// parent domain.
	AllowedDomains []string `yaml:"allowed_domains"`

	// Timeout bounds one relayed request (default: 10m)
	Timeout time.Duration `yaml:"timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig allows Requests per Per for each client IP. Zero Requests
// disables limiting.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Per      time.Duration `yaml:"per"`
	Burst    int           `yaml:"burst"`
}

// HistoryConfig selects where run records and test cases are kept.
type HistoryConfig struct {
	// Type is "memory" or "file"
	Type string `yaml:"type"`

	// Path is the run history file (file type only)
	Path string `yaml:"path"`

	// TestCasesPath is the test case file (file type only)
	TestCasesPath string `yaml:"test_cases_path"`

	// MaxRecords trims the oldest records past this count; zero keeps all
	MaxRecords int `yaml:"max_records"`
}

// StreamConfig bounds per-run stream bookkeeping.
type StreamConfig struct {
	// MaxEvents is the event log capacity of one run
	MaxEvents int `yaml:"max_events"`
}

// CircuitBreakerConfig guards upstream hosts.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// JudgeConfig configures the auxiliary model used for scoring and prompt
// optimization.
type JudgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// Timeout bounds one scoring or optimization call (default: 2m)
	Timeout time.Duration `yaml:"timeout"`
}

// MatrixConfig bounds matrix runs.
type MatrixConfig struct {
	Concurrency int `yaml:"concurrency"`

	// Timeout bounds one matrix request (default: 10m)
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultAllowedDomains are the relay targets allowed out of the box.
var DefaultAllowedDomains = []string{
	"api.openai.com",
	"api.anthropic.com",
	"api.deepseek.com",
	"api.moonshot.cn",
	"api.groq.com",
	"ai.megallm.io",
	"localhost",
	"127.0.0.1",
}

// DefaultConfig returns the configuration used for any key a file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Workspace: compiler.Connection{
			BaseURL:      "https://api.openai.com",
			APIKey:       "",
			ModelID:      "gpt-4o-mini",
			EndpointMode: compiler.ModeChat,
			Headers:      map[string]string{},
		},

		Params: compiler.DefaultParams(),

		Proxy: ProxyConfig{
			Enabled:        true,
			Path:           compiler.DefaultProxyURL,
			AllowedDomains: append([]string(nil), DefaultAllowedDomains...),
			Timeout:        10 * time.Minute,
			RateLimit: RateLimitConfig{
				Requests: 60,
				Per:      time.Minute,
				Burst:    10,
			},
		},

		History: HistoryConfig{
			Type:       "memory",
			MaxRecords: 500,
		},

		Stream: StreamConfig{
			MaxEvents: 10000,
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
		},

		Judge: JudgeConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  2 * time.Minute,
		},

		Matrix: MatrixConfig{
			Concurrency: 4,
			Timeout:     10 * time.Minute,
		},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. A default
// applies when the variable is unset or empty. Values are expanded again
// until stable so that variables may reference other variables.
//
// Example Transformations:
// - "${DB_HOST}" → "localhost"
// - "${PORT:-8080}" → "8080" (if PORT is unset)
// - "${HOST}/${PATH}" → "api.example.com/v1"
func expandEnvVars(s string) (string, error) {
	if i := strings.LastIndex(s, "${"); i >= 0 && !strings.Contains(s[i:], "}") {
		return "", fmt.Errorf("invalid syntax: unterminated variable reference")
	}

	resolve := func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if val := os.Getenv(m[1]); val != "" {
			return val
		}
		return m[2]
	}

	result := s
	for i := 0; i < 10; i++ {
		next := envRef.ReplaceAllStringFunc(result, resolve)
		if next == result {
			break
		}
		result = next
	}
	return result, nil
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	// Start with defaults
	config := DefaultConfig()

	// Decode YAML on top of defaults
	dec := yaml.NewDecoder(strings.NewReader(expandedData))
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Workspace defaults may be incomplete: the UI fills them in. Only the
	// fields that are set must be well formed.
	switch c.Workspace.EndpointMode {
	case compiler.ModeResponses, compiler.ModeChat:
	default:
		return fmt.Errorf("invalid endpoint mode: %q", c.Workspace.EndpointMode)
	}
	if c.Workspace.BaseURL != "" && !strings.HasPrefix(c.Workspace.BaseURL, "http://") && !strings.HasPrefix(c.Workspace.BaseURL, "https://") {
		return fmt.Errorf("invalid workspace base URL: %s", c.Workspace.BaseURL)
	}
	if problems := validation.Errors(validation.ValidateParams(c.Params)); len(problems) > 0 {
		return fmt.Errorf("invalid params: %s: %s", problems[0].Field, problems[0].Message)
	}

	// Proxy validation
	if c.Proxy.Enabled {
		if !strings.HasPrefix(c.Proxy.Path, "/") {
			return fmt.Errorf("proxy path must start with /: %q", c.Proxy.Path)
		}
		if len(c.Proxy.AllowedDomains) == 0 {
			return fmt.Errorf("proxy enabled without allowed domains")
		}
	}
	if c.Proxy.Timeout < 0 {
		return fmt.Errorf("negative proxy timeout: %v", c.Proxy.Timeout)
	}
	if c.Proxy.RateLimit.Requests < 0 || c.Proxy.RateLimit.Burst < 0 {
		return fmt.Errorf("negative proxy rate limit")
	}
	if c.Proxy.RateLimit.Requests > 0 && c.Proxy.RateLimit.Per <= 0 {
		return fmt.Errorf("proxy rate limit period must be positive")
	}

	// History validation
	switch c.History.Type {
	case "memory":
	case "file":
		if c.History.Path == "" {
			return fmt.Errorf("file history requires a path")
		}
	default:
		return fmt.Errorf("invalid history type: %s", c.History.Type)
	}
	if c.History.MaxRecords < 0 {
		return fmt.Errorf("negative max records: %d", c.History.MaxRecords)
	}

	if c.Stream.MaxEvents < 0 {
		return fmt.Errorf("negative max events: %d", c.Stream.MaxEvents)
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker enabled with zero failure threshold")
	}

	if c.Judge.Enabled && (c.Judge.Provider == "" || c.Judge.Model == "") {
		return fmt.Errorf("judge enabled without provider and model")
	}

	if c.Judge.Timeout < 0 || c.Matrix.Timeout < 0 {
		return fmt.Errorf("negative judge or matrix timeout")
	}

	if c.Matrix.Concurrency < 0 {
		return fmt.Errorf("negative matrix concurrency: %d", c.Matrix.Concurrency)
	}

	for model, p := range c.Pricing {
		if p.Input < 0 || p.Output < 0 || p.Cached < 0 {
			return fmt.Errorf("negative price for model %s", model)
		}
	}

	return nil
}
