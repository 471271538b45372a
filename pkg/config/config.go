package config

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hhd/wresters-adapter/pkg/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Defaults for the positional command line arguments.
const (
	DefaultListenPort  = 10514
	DefaultForwardHost = "127.0.0.1"
	DefaultForwardPort = 80
	DefaultPIDFile     = "/tmp/wresters-adapter.pid"
)

// Framing modes for inbound connections.
const (
	FramingLine  = "line"
	FramingChunk = "chunk"
)

// EnvPrefix is the prefix for environment variable overrides (WRESTERS_FORWARD_HOST, ...).
const EnvPrefix = "WRESTERS"

// LogLevelEnv is the short environment variable controlling log verbosity.
const LogLevelEnv = "WRESTERS_LOG"

// Config represents the top-level configuration structure.
type Config struct {
	Global      GlobalConfig      `yaml:"global"       mapstructure:"global"`
	Listen      ListenConfig      `yaml:"listen"       mapstructure:"listen"`
	Forward     ForwardConfig     `yaml:"forward"      mapstructure:"forward"`
	HealthCheck HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`
	Daemon      DaemonConfig      `yaml:"daemon"       mapstructure:"daemon"`
	Metrics     MetricsConfig     `yaml:"metrics"      mapstructure:"metrics"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ListenConfig describes the inbound TCP endpoint access points send logs to.
type ListenConfig struct {
	Address       string `yaml:"address"        mapstructure:"address"`
	Port          int    `yaml:"port"           mapstructure:"port"`
	Framing       string `yaml:"framing"        mapstructure:"framing"`
	ReadBuffer    int    `yaml:"read_buffer"    mapstructure:"read_buffer"`
	MaxLineBytes  int    `yaml:"max_line_bytes" mapstructure:"max_line_bytes"`
	ShutdownGrace string `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// Endpoint returns the address:port to bind.
func (l ListenConfig) Endpoint() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// GetFraming returns the framing mode.
// Defaults to "line" if not set.
func (l ListenConfig) GetFraming() string {
	if l.Framing == "" {
		return FramingLine
	}
	return l.Framing
}

// GetReadBuffer returns the per-read buffer size used in chunk framing.
// Defaults to 1024 if not set.
func (l ListenConfig) GetReadBuffer() int {
	if l.ReadBuffer <= 0 {
		return 1024
	}
	return l.ReadBuffer
}

// GetMaxLineBytes returns the longest accepted line in line framing.
// Defaults to 64KiB if not set.
func (l ListenConfig) GetMaxLineBytes() int {
	if l.MaxLineBytes <= 0 {
		return 64 * 1024
	}
	return l.MaxLineBytes
}

// GetShutdownGrace returns how long in-flight connections are drained on shutdown.
// Defaults to 5s if not set or invalid.
func (l ListenConfig) GetShutdownGrace() time.Duration {
	return parseDurationOr(l.ShutdownGrace, 5*time.Second)
}

// ForwardConfig describes the presence service events are posted to.
type ForwardConfig struct {
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	Scheme  string `yaml:"scheme"  mapstructure:"scheme"`
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
}

// Target returns the host:port of the presence service.
func (f ForwardConfig) Target() string {
	return net.JoinHostPort(f.Host, strconv.Itoa(f.Port))
}

// GetScheme returns the URL scheme.
// Defaults to "http" if not set.
func (f ForwardConfig) GetScheme() string {
	if f.Scheme == "" {
		return "http"
	}
	return f.Scheme
}

// GetTimeout parses and returns the overall timeout of one forward call.
// Defaults to 5s if not set or invalid.
func (f ForwardConfig) GetTimeout() time.Duration {
	return parseDurationOr(f.Timeout, 5*time.Second)
}

// HealthCheckConfig defines the presence service health probe.
type HealthCheckConfig struct {
	Enabled   *bool  `yaml:"enabled"    mapstructure:"enabled"`
	Type      string `yaml:"type"       mapstructure:"type"`
	Interval  string `yaml:"interval"   mapstructure:"interval"`
	Timeout   string `yaml:"timeout"    mapstructure:"timeout"`
	FailCount int    `yaml:"fail_count" mapstructure:"fail_count"`
	RiseCount int    `yaml:"rise_count" mapstructure:"rise_count"`
}

// IsEnabled returns whether the health probe is enabled.
// Defaults to true if not explicitly set.
func (h HealthCheckConfig) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// GetType returns the health check type.
// Defaults to "tcp" if not set.
func (h HealthCheckConfig) GetType() string {
	if h.Type == "" {
		return "tcp"
	}
	return h.Type
}

// GetInterval parses and returns the probe interval.
// Defaults to 10s if not set or invalid.
func (h HealthCheckConfig) GetInterval() time.Duration {
	return parseDurationOr(h.Interval, 10*time.Second)
}

// GetTimeout parses and returns the probe timeout.
// Defaults to 2s if not set or invalid.
func (h HealthCheckConfig) GetTimeout() time.Duration {
	return parseDurationOr(h.Timeout, 2*time.Second)
}

// GetFailCount returns the consecutive failure threshold.
// Defaults to 3 if not set.
func (h HealthCheckConfig) GetFailCount() int {
	if h.FailCount <= 0 {
		return 3
	}
	return h.FailCount
}

// GetRiseCount returns the consecutive success threshold.
// Defaults to 2 if not set.
func (h HealthCheckConfig) GetRiseCount() int {
	if h.RiseCount <= 0 {
		return 2
	}
	return h.RiseCount
}

// DaemonConfig holds PID file and privilege settings.
type DaemonConfig struct {
	PIDFile  string `yaml:"pid_file"  mapstructure:"pid_file"`
	User     string `yaml:"user"      mapstructure:"user"`
	Group    string `yaml:"group"     mapstructure:"group"`
	ChownPID bool   `yaml:"chown_pid" mapstructure:"chown_pid"`
}

// MetricsConfig holds the optional Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}

// Overrides carries the positional command line arguments. Nil fields are unset.
type Overrides struct {
	ListenPort  *int
	ForwardHost *string
	ForwardPort *int
}

// ParseArgs maps up to three positional arguments (listen_port, forward_host,
// forward_port) onto Overrides.
func ParseArgs(args []string) (Overrides, error) {
	var overrides Overrides
	if len(args) > 3 {
		return overrides, fmt.Errorf("expected at most 3 arguments, got %d", len(args))
	}
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return overrides, fmt.Errorf("invalid listen_port %q: %w", args[0], err)
		}
		overrides.ListenPort = &port
	}
	if len(args) > 1 {
		host := args[1]
		overrides.ForwardHost = &host
	}
	if len(args) > 2 {
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return overrides, fmt.Errorf("invalid forward_port %q: %w", args[2], err)
		}
		overrides.ForwardPort = &port
	}
	return overrides, nil
}

// validSchemes is the set of supported forwarding schemes.
var validSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// validFramings is the set of supported inbound framing modes.
var validFramings = map[string]bool{
	FramingLine:  true,
	FramingChunk: true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
// An empty configPath runs on defaults, environment and overrides only.
func NewManager(configPath string, overrides Overrides, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	if configPath != "" {
		viperInstance.SetConfigFile(configPath)
	}

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("listen.address", "127.0.0.1")
	viperInstance.SetDefault("listen.port", DefaultListenPort)
	viperInstance.SetDefault("listen.framing", FramingLine)
	viperInstance.SetDefault("listen.read_buffer", 1024)
	viperInstance.SetDefault("listen.max_line_bytes", 64*1024)
	viperInstance.SetDefault("listen.shutdown_grace", "5s")
	viperInstance.SetDefault("forward.host", DefaultForwardHost)
	viperInstance.SetDefault("forward.port", DefaultForwardPort)
	viperInstance.SetDefault("forward.scheme", "http")
	viperInstance.SetDefault("forward.timeout", "5s")
	viperInstance.SetDefault("health_check.enabled", true)
	viperInstance.SetDefault("health_check.type", "tcp")
	viperInstance.SetDefault("health_check.interval", "10s")
	viperInstance.SetDefault("health_check.timeout", "2s")
	viperInstance.SetDefault("health_check.fail_count", 3)
	viperInstance.SetDefault("health_check.rise_count", 2)
	viperInstance.SetDefault("daemon.pid_file", DefaultPIDFile)
	viperInstance.SetDefault("daemon.user", "")
	viperInstance.SetDefault("daemon.group", "")
	viperInstance.SetDefault("daemon.chown_pid", false)
	viperInstance.SetDefault("metrics.listen", "")

	// Environment: WRESTERS_LOG plus WRESTERS_<SECTION>_<KEY> for every key
	viperInstance.SetEnvPrefix(EnvPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperInstance.AutomaticEnv()
	if err := viperInstance.BindEnv("global.log_level", LogLevelEnv, EnvPrefix+"_GLOBAL_LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("failed to bind log level environment: %w", err)
	}

	// Positional arguments win over file and environment
	if overrides.ListenPort != nil {
		viperInstance.Set("listen.port", *overrides.ListenPort)
	}
	if overrides.ForwardHost != nil {
		viperInstance.Set("forward.host", *overrides.ForwardHost)
	}
	if overrides.ForwardPort != nil {
		viperInstance.Set("forward.port", *overrides.ForwardPort)
	}

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file (if any), unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if _, err := logging.ParseLevel(cfg.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	// Validate listen endpoint
	if net.ParseIP(cfg.Listen.Address) == nil {
		return fmt.Errorf("listen.address: invalid IP %q", cfg.Listen.Address)
	}
	// 0 binds an ephemeral port
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port: %d out of range (0-65535)", cfg.Listen.Port)
	}
	if !validFramings[cfg.Listen.GetFraming()] {
		return fmt.Errorf("listen.framing: unsupported framing %q (supported: line, chunk)", cfg.Listen.Framing)
	}
	if cfg.Listen.ReadBuffer < 0 {
		return fmt.Errorf("listen.read_buffer must not be negative")
	}
	if cfg.Listen.MaxLineBytes < 0 {
		return fmt.Errorf("listen.max_line_bytes must not be negative")
	}
	if err := validateDuration("listen.shutdown_grace", cfg.Listen.ShutdownGrace); err != nil {
		return err
	}

	// Validate forwarding target
	if cfg.Forward.Host == "" {
		return fmt.Errorf("forward.host is required")
	}
	if cfg.Forward.Port < 1 || cfg.Forward.Port > 65535 {
		return fmt.Errorf("forward.port: %d out of range (1-65535)", cfg.Forward.Port)
	}
	if !validSchemes[cfg.Forward.GetScheme()] {
		return fmt.Errorf("forward.scheme: unsupported scheme %q (supported: http, https)", cfg.Forward.Scheme)
	}
	if err := validateDuration("forward.timeout", cfg.Forward.Timeout); err != nil {
		return err
	}

	// Validate health check parameters
	if cfg.HealthCheck.IsEnabled() {
		if err := validateDuration("health_check.interval", cfg.HealthCheck.Interval); err != nil {
			return err
		}
		if err := validateDuration("health_check.timeout", cfg.HealthCheck.Timeout); err != nil {
			return err
		}
		checkType := cfg.HealthCheck.GetType()
		if checkType != "tcp" && checkType != "http" {
			return fmt.Errorf("health_check.type: unsupported type %q (supported: tcp, http)", checkType)
		}
		if cfg.HealthCheck.FailCount < 0 || cfg.HealthCheck.RiseCount < 0 {
			return fmt.Errorf("health_check.fail_count and rise_count must not be negative")
		}
	}

	// Validate daemon settings
	if cfg.Daemon.ChownPID && cfg.Daemon.User == "" && cfg.Daemon.Group == "" {
		return fmt.Errorf("daemon.chown_pid requires daemon.user or daemon.group")
	}

	// Validate metrics endpoint
	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: invalid address %q: %w", cfg.Metrics.Listen, err)
		}
	}

	return nil
}

func validateDuration(key, value string) error {
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %q", key, value)
	}
	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
// Without a config file there is nothing to watch.
func (m *Manager) WatchConfig() {
	if m.configPath == "" {
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}

// RestartRequired lists the sections whose change only takes effect after a restart.
// Only global.log_level is applied live.
func RestartRequired(running, reloaded *Config) []string {
	var sections []string
	if running.Listen != reloaded.Listen {
		sections = append(sections, "listen")
	}
	if running.Forward != reloaded.Forward {
		sections = append(sections, "forward")
	}
	if !reflect.DeepEqual(running.HealthCheck, reloaded.HealthCheck) {
		sections = append(sections, "health_check")
	}
	if running.Daemon != reloaded.Daemon {
		sections = append(sections, "daemon")
	}
	if running.Metrics != reloaded.Metrics {
		sections = append(sections, "metrics")
	}
	return sections
}
