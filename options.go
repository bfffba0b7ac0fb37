package mcpserve

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport selection.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// ServerOptions is the resolved server configuration. Values are layered:
// built-in defaults, then the YAML config file, then functional options,
// then environment variables.
type ServerOptions struct {
	Name         string
	Version      string
	Title        string
	Instructions string
	WebsiteURL   string
	Icons        []Icon

	Transport       string
	Addr            string
	AllowedOrigins  []string
	StrictMode      bool
	RateLimitRPS    float64
	ShutdownTimeout time.Duration

	LogLevel string
	LogJSON  bool

	TokenValidator TokenValidator

	configFile string
}

func defaultOptions() *ServerOptions {
	return &ServerOptions{
		Name:            "mcpserve",
		Version:         "0.1.0",
		Transport:       TransportHTTP,
		Addr:            ":8000",
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

// Option customizes server construction.
type Option func(*ServerOptions)

// WithName sets the server name advertised at initialize.
func WithName(name string) Option {
	return func(o *ServerOptions) { o.Name = name }
}

// WithVersion sets the advertised server version.
func WithVersion(version string) Option {
	return func(o *ServerOptions) { o.Version = version }
}

// WithTitle sets the human-readable server title.
func WithTitle(title string) Option {
	return func(o *ServerOptions) { o.Title = title }
}

// WithInstructions sets the instructions text returned at initialize.
func WithInstructions(instructions string) Option {
	return func(o *ServerOptions) { o.Instructions = instructions }
}

// WithWebsiteURL sets the serverInfo websiteUrl field.
func WithWebsiteURL(url string) Option {
	return func(o *ServerOptions) { o.WebsiteURL = url }
}

// WithIcons sets the serverInfo icon list.
func WithIcons(icons ...Icon) Option {
	return func(o *ServerOptions) { o.Icons = icons }
}

// WithTransport selects "http" or "stdio".
func WithTransport(transport string) Option {
	return func(o *ServerOptions) { o.Transport = transport }
}

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *ServerOptions) { o.Addr = addr }
}

// WithAllowedOrigins restricts CORS origins. Default allows all.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *ServerOptions) { o.AllowedOrigins = origins }
}

// WithStrictMode rejects requests on sessions that have not completed the
// initialize handshake.
func WithStrictMode() Option {
	return func(o *ServerOptions) { o.StrictMode = true }
}

// WithRateLimit enables per-session rate limiting at rps requests per second
// (burst is twice the rate).
func WithRateLimit(rps float64) Option {
	return func(o *ServerOptions) { o.RateLimitRPS = rps }
}

// WithShutdownTimeout bounds the graceful-shutdown drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *ServerOptions) { o.ShutdownTimeout = d }
}

// WithLogLevel sets the initial log level (debug, info, warn, error).
// logging/setLevel can change it at runtime.
func WithLogLevel(level string) Option {
	return func(o *ServerOptions) { o.LogLevel = level }
}

// WithJSONLogging switches log output to JSON.
func WithJSONLogging() Option {
	return func(o *ServerOptions) { o.LogJSON = true }
}

// WithTokenValidator installs the validator for auth-requiring tools.
func WithTokenValidator(v TokenValidator) Option {
	return func(o *ServerOptions) { o.TokenValidator = v }
}

// WithConfigFile loads a YAML config file. File values override defaults but
// lose to other functional options and to environment variables.
func WithConfigFile(path string) Option {
	return func(o *ServerOptions) { o.configFile = path }
}

// fileConfig is the YAML config file shape.
type fileConfig struct {
	Name            string   `yaml:"name"`
	Version         string   `yaml:"version"`
	Title           string   `yaml:"title"`
	Instructions    string   `yaml:"instructions"`
	WebsiteURL      string   `yaml:"website_url"`
	Transport       string   `yaml:"transport"`
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	Strict          bool     `yaml:"strict"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	LogLevel        string   `yaml:"log_level"`
	LogJSON         bool     `yaml:"log_json"`
}

func (o *ServerOptions) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if fc.Name != "" {
		o.Name = fc.Name
	}
	if fc.Version != "" {
		o.Version = fc.Version
	}
	if fc.Title != "" {
		o.Title = fc.Title
	}
	if fc.Instructions != "" {
		o.Instructions = fc.Instructions
	}
	if fc.WebsiteURL != "" {
		o.WebsiteURL = fc.WebsiteURL
	}
	if fc.Transport != "" {
		o.Transport = fc.Transport
	}
	if fc.Addr != "" {
		o.Addr = fc.Addr
	}
	if len(fc.AllowedOrigins) > 0 {
		o.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.Strict {
		o.StrictMode = true
	}
	if fc.RateLimitRPS > 0 {
		o.RateLimitRPS = fc.RateLimitRPS
	}
	if fc.ShutdownTimeout != "" {
		d, err := time.ParseDuration(fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout: %w", err)
		}
		o.ShutdownTimeout = d
	}
	if fc.LogLevel != "" {
		o.LogLevel = fc.LogLevel
	}
	if fc.LogJSON {
		o.LogJSON = true
	}
	return nil
}

// applyEnv overlays deployment environment variables. Env wins over both the
// config file and code-level options.
func (o *ServerOptions) applyEnv() {
	if v := os.Getenv("MCP_SERVER_NAME"); v != "" {
		o.Name = v
	}
	if v := os.Getenv("MCP_SERVER_VERSION"); v != "" {
		o.Version = v
	}
	if v := os.Getenv("MCP_LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			o.Addr = ":" + v
		}
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		o.Transport = strings.ToLower(v)
	}
	if envTruthy("MCP_STDIO") || envTruthy("USE_STDIO") {
		o.Transport = TransportStdio
	}
}

func envTruthy(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// resolve layers defaults, config file, options, and environment.
func resolveOptions(opts []Option) (*ServerOptions, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.configFile != "" {
		// Re-layer so explicit options override file values.
		layered := defaultOptions()
		if err := layered.mergeFile(o.configFile); err != nil {
			return nil, err
		}
		for _, opt := range opts {
			opt(layered)
		}
		o = layered
	}
	o.applyEnv()
	if o.Transport != TransportHTTP && o.Transport != TransportStdio {
		return nil, fmt.Errorf("unknown transport %q", o.Transport)
	}
	return o, nil
}

// newLogger builds the server logger. Output goes to stderr so the stdio
// transport keeps stdout clean for protocol frames.
func newLogger(o *ServerOptions) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(parseLogLevel(o.LogLevel))
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if o.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(handler), level
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
