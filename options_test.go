package mcpserve

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o, err := resolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, "mcpserve", o.Name)
	assert.Equal(t, TransportHTTP, o.Transport)
	assert.Equal(t, ":8000", o.Addr)
	assert.Equal(t, []string{"*"}, o.AllowedOrigins)
	assert.False(t, o.StrictMode)
	assert.Zero(t, o.RateLimitRPS)
}

func TestFunctionalOptions(t *testing.T) {
	o, err := resolveOptions([]Option{
		WithName("svc"),
		WithVersion("2.0.0"),
		WithAddr(":9999"),
		WithStrictMode(),
		WithRateLimit(25),
		WithShutdownTimeout(3 * time.Second),
		WithAllowedOrigins("https://app.example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, "svc", o.Name)
	assert.Equal(t, ":9999", o.Addr)
	assert.True(t, o.StrictMode)
	assert.Equal(t, 25.0, o.RateLimitRPS)
	assert.Equal(t, 3*time.Second, o.ShutdownTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, o.AllowedOrigins)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCP_SERVER_NAME", "env-name")
	t.Setenv("MCP_LOG_LEVEL", "debug")
	t.Setenv("PORT", "7070")
	t.Setenv("MCP_TRANSPORT", "HTTP")

	o, err := resolveOptions([]Option{WithName("code-name")})
	require.NoError(t, err)
	// Env wins over code-level options.
	assert.Equal(t, "env-name", o.Name)
	assert.Equal(t, "debug", o.LogLevel)
	assert.Equal(t, ":7070", o.Addr)
	assert.Equal(t, TransportHTTP, o.Transport)
}

func TestStdioEnvSwitches(t *testing.T) {
	t.Setenv("USE_STDIO", "true")
	o, err := resolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, o.Transport)

	t.Setenv("USE_STDIO", "")
	t.Setenv("MCP_STDIO", "1")
	o, err = resolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, o.Transport)
}

func TestUnknownTransportRejected(t *testing.T) {
	_, err := resolveOptions([]Option{WithTransport("carrier-pigeon")})
	assert.Error(t, err)
}

func TestConfigFileLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: file-name
version: 3.1.4
addr: ":4242"
strict: true
rate_limit_rps: 12.5
shutdown_timeout: 5s
log_level: warn
allowed_origins:
  - https://a.example.com
  - https://b.example.com
`), 0o644))

	// File values override defaults; explicit options override the file.
	o, err := resolveOptions([]Option{
		WithConfigFile(path),
		WithName("code-name"),
	})
	require.NoError(t, err)
	assert.Equal(t, "code-name", o.Name)
	assert.Equal(t, "3.1.4", o.Version)
	assert.Equal(t, ":4242", o.Addr)
	assert.True(t, o.StrictMode)
	assert.Equal(t, 12.5, o.RateLimitRPS)
	assert.Equal(t, 5*time.Second, o.ShutdownTimeout)
	assert.Equal(t, "warn", o.LogLevel)
	assert.Len(t, o.AllowedOrigins, 2)
}

func TestConfigFileErrors(t *testing.T) {
	_, err := resolveOptions([]Option{WithConfigFile("/does/not/exist.yaml")})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{{{"), 0o644))
	_, err = resolveOptions([]Option{WithConfigFile(bad)})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("anything-else"))
}
