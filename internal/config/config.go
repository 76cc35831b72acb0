// Package config handles TOML configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ode-ingress/config.toml",
	"configs/config.toml",
}

// optionsSearchPaths lists add-on options files checked when --options is not given.
var optionsSearchPaths = []string{
	"/data/options.json",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Options     string   `kong:"help='Path to add-on options JSON (ode_host, ode_port).',env='OPTIONS_PATH'"`
	Host        string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int      `kong:"short='p',help='Listen port (overrides config).',env='INGRESS_PORT,PORT'"`
	Upstream    string   `kong:"short='u',help='Upstream base URL (overrides config).',env='UPSTREAM_URL,ODE_API'"`
	StaticRoot  string   `kong:"help='Directory holding the built UI (overrides config).',env='STATIC_ROOT,STATIC_FOLDER'"`
	CORSOrigins []string `kong:"name='cors-origins',help='Allowed CORS origins (overrides config).',env='CORS_ALLOWED_ORIGINS'"`
	Passthrough bool     `kong:"help='Proxy every request to the upstream instead of serving the UI.',env='PASSTHROUGH'"`
	LogLevel    string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Static      StaticConfig      `toml:"static"`
	Proxy       ProxyConfig       `toml:"proxy"`
	Health      HealthConfig      `toml:"health"`
	CORS        CORSConfig        `toml:"cors"`
	Passthrough PassthroughConfig `toml:"passthrough"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string          `toml:"host"`
	Port           int             `toml:"port"` // 0 means "use default" (8099)
	BodyMaxBytes   int64           `toml:"body_max_bytes"`
	FrameOptions   string          `toml:"frame_options"`
	TrustedProxies []string        `toml:"trusted_proxies"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// StaticConfig describes where the built UI lives and how index.html is rewritten.
type StaticConfig struct {
	Root          string `toml:"root"`
	Index         string `toml:"index"`
	IngressHeader string `toml:"ingress_header"`
	NoBaseTag     bool   `toml:"no_base_tag"`
	NoLinkRewrite bool   `toml:"no_link_rewrite"`
}

// ProxyConfig lists the URL prefixes forwarded to the upstream.
type ProxyConfig struct {
	Routes []RouteConfig `toml:"routes"`
}

// RouteConfig is one forwarded prefix.
type RouteConfig struct {
	Prefix      string   `toml:"prefix"`
	Methods     []string `toml:"methods"`
	StripPrefix bool     `toml:"strip_prefix"`
}

// HealthConfig holds the upstream health check settings.
type HealthConfig struct {
	Path           string `toml:"path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
}

// PassthroughConfig switches the server into whole-site proxy mode.
type PassthroughConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// addonOptions mirrors the supervisor-managed options.json of the add-on.
type addonOptions struct {
	ODEHost  string `json:"ode_host"`
	ODEPort  int    `json:"ode_port"`
	LogLevel string `json:"log_level"`
}

// DefaultRoutes are the upstream prefixes served when the config lists none.
func DefaultRoutes() []RouteConfig {
	all := []string{"GET", "POST", "PUT", "DELETE"}
	return []RouteConfig{
		{Prefix: "/coordinator", Methods: all},
		{Prefix: "/sep2", Methods: all},
		{Prefix: "/docs", Methods: []string{"GET"}},
		{Prefix: "/api", Methods: all, StripPrefix: true},
	}
}

// reservedPaths are served locally and can never be proxied.
var reservedPaths = []string{"/health", "/proxy/status"}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// Load reads the TOML config file, the add-on options file and applies CLI overrides.
// A missing config file is not an error: every setting has a default and
// add-on deployments are usually configured through the environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	optsPath := cli.Options
	if optsPath == "" {
		optsPath = findConfigInPaths(optionsSearchPaths)
	}
	if optsPath != "" {
		if err := cfg.applyOptionsFile(optsPath); err != nil {
			return nil, fmt.Errorf("config: options %s: %w", optsPath, err)
		}
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyOptionsFile merges the add-on options JSON. The upstream is rebuilt from
// ode_host/ode_port only when at least one of them is set.
func (c *Config) applyOptionsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var opts addonOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if opts.ODEHost != "" || opts.ODEPort != 0 {
		host := opts.ODEHost
		if host == "" {
			host = "homeassistant.local"
		}
		port := opts.ODEPort
		if port == 0 {
			port = 3000
		}
		c.Upstream.BaseURL = fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))
	}
	if opts.LogLevel != "" {
		c.Log.Level = opts.LogLevel
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.StaticRoot != "" {
		c.Static.Root = cli.StaticRoot
	}
	if len(cli.CORSOrigins) > 0 {
		c.CORS.AllowOrigins = cli.CORSOrigins
	}
	if cli.Passthrough {
		c.Passthrough.Enabled = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Health.TimeoutSeconds < 0 {
		return fmt.Errorf("health.timeout_seconds must be non-negative; got %d", c.Health.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies: %q is not a CIDR: %w", cidr, err)
		}
	}

	if strings.ContainsAny(c.Static.Index, `/\`) {
		return fmt.Errorf("static.index must be a file name inside static.root; got %q", c.Static.Index)
	}
	if c.Health.Path != "" && c.Health.Path[0] != '/' {
		return fmt.Errorf("health.path must start with '/'; got %q", c.Health.Path)
	}

	if err := validateRoutes(c.Proxy.Routes); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := append([]string{}, reservedPaths...)
		for _, r := range c.routesOrDefault() {
			reserved = append(reserved, r.Prefix)
		}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

func validateRoutes(routes []RouteConfig) error {
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("proxy.routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if r.Prefix == "/" || strings.HasSuffix(r.Prefix, "/") {
			return fmt.Errorf("proxy.routes[%d].prefix must not end with '/'; got %q", i, r.Prefix)
		}
		for _, reserved := range reservedPaths {
			if r.Prefix == reserved || strings.HasPrefix(reserved, r.Prefix+"/") {
				return fmt.Errorf("proxy.routes[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, reserved)
			}
		}
		if seen[r.Prefix] {
			return fmt.Errorf("proxy.routes[%d].prefix %q is duplicated", i, r.Prefix)
		}
		seen[r.Prefix] = true
		for _, m := range r.Methods {
			if !allowedMethods[strings.ToUpper(m)] {
				return fmt.Errorf("proxy.routes[%d].methods: unsupported method %q", i, m)
			}
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8099
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.FrameOptions == "" {
		c.Server.FrameOptions = "SAMEORIGIN"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:3000"
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Static.Root == "" {
		c.Static.Root = "/ode/dist"
	}
	if c.Static.Index == "" {
		c.Static.Index = "index.html"
	}
	if c.Static.IngressHeader == "" {
		c.Static.IngressHeader = "X-Ingress-Path"
	}
	c.Proxy.Routes = c.routesOrDefault()
	for i := range c.Proxy.Routes {
		r := &c.Proxy.Routes[i]
		if len(r.Methods) == 0 {
			r.Methods = []string{"GET"}
		}
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(m)
		}
	}
	if c.Health.Path == "" {
		c.Health.Path = "/coordinator/status"
	}
	if c.Health.TimeoutSeconds == 0 {
		c.Health.TimeoutSeconds = 3
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) routesOrDefault() []RouteConfig {
	if len(c.Proxy.Routes) == 0 {
		return DefaultRoutes()
	}
	return c.Proxy.Routes
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Timeout returns the per-request upstream deadline.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the health check deadline.
func (c *HealthConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RouteFor returns the proxied route whose prefix covers path. It reports false
// in passthrough mode, where no per-route handlers exist.
func (c *Config) RouteFor(path string) (RouteConfig, bool) {
	if c.Passthrough.Enabled {
		return RouteConfig{}, false
	}
	for _, r := range c.Proxy.Routes {
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return RouteConfig{}, false
}

// IsAPIPath reports whether path is served by a local endpoint or a proxied
// route rather than the UI. In passthrough mode every path is proxied.
func (c *Config) IsAPIPath(path string) bool {
	if c.Passthrough.Enabled || path == "/health" || path == "/proxy/status" {
		return true
	}
	_, ok := c.RouteFor(path)
	return ok
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
