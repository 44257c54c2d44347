// Package config provides configuration parsing and validation for onionmesh.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/onionmesh/internal/backoff"
)

// Config represents the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Listen      ListenConfig      `yaml:"listen"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Connections ConnectionsConfig `yaml:"connections"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Router      RouterConfig      `yaml:"router"`
	Health      HealthConfig      `yaml:"health"`
	Control     ControlConfig     `yaml:"control"`
}

// NodeConfig contains identity and logging settings.
type NodeConfig struct {
	DataDir   string `yaml:"data_dir"`   // identity key and peer store
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenConfig defines the overlay listener and the address other nodes
// are told to dial.
type ListenConfig struct {
	Transport     string `yaml:"transport"` // tcp, ws
	Address       string `yaml:"address"`
	Path          string `yaml:"path"` // HTTP path for ws
	AdvertiseHost string `yaml:"advertise_host"`
	AdvertisePort int    `yaml:"advertise_port"`
}

// BootstrapConfig lists the well-known peers dialed at startup.
type BootstrapConfig struct {
	Node  bool     `yaml:"node"`  // a bootstrap node never dials other bootstrap peers
	Peers []string `yaml:"peers"` // host:port
}

// ConnectionsConfig defines peer connection tuning parameters.
type ConnectionsConfig struct {
	Max                     int             `yaml:"max"`
	Min                     int             `yaml:"min"`
	HandshakeTimeout        time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout            time.Duration   `yaml:"write_timeout"` // per frame; a stalled peer is dropped
	DialTimeout             time.Duration   `yaml:"dial_timeout"`
	DialWorkers             int             `yaml:"dial_workers"`
	MaintenanceInterval     time.Duration   `yaml:"maintenance_interval"`
	MaintenanceInitialDelay time.Duration   `yaml:"maintenance_initial_delay"`
	DiscoveryInterval       time.Duration   `yaml:"discovery_interval"`
	Reconnect               ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// Backoff converts the reconnect settings.
func (r ReconnectConfig) Backoff() backoff.Config {
	return backoff.Config{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
		MaxAttempts:  r.MaxRetries,
	}
}

// CircuitConfig defines circuit construction parameters.
type CircuitConfig struct {
	Length              int           `yaml:"length"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ConnectPollInterval time.Duration `yaml:"connect_poll_interval"`
	BuildTimeout        time.Duration `yaml:"build_timeout"`
	Retry               RetryConfig   `yaml:"retry"`
	CreateRate          float64       `yaml:"create_rate"` // per second per neighbour, 0 = unlimited
	CreateBurst         int           `yaml:"create_burst"`
}

// RetryConfig defines automatic circuit rebuilds.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"` // includes the first build
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// Backoff converts the retry settings.
func (r RetryConfig) Backoff() backoff.Config {
	return backoff.Config{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
		MaxAttempts:  r.MaxAttempts,
	}
}

// RouterConfig defines dispatch settings.
type RouterConfig struct {
	DedupHistory int `yaml:"dedup_history"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnablePprof  bool          `yaml:"enable_pprof"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenConfig{
			Transport: "tcp",
			Address:   "0.0.0.0:7400",
			Path:      "/mesh",
		},
		Bootstrap: BootstrapConfig{
			Peers: []string{},
		},
		Connections: ConnectionsConfig{
			Max:                     5,
			Min:                     3,
			HandshakeTimeout:        5 * time.Second,
			WriteTimeout:            10 * time.Second,
			DialTimeout:             10 * time.Second,
			DialWorkers:             4,
			MaintenanceInterval:     10 * time.Second,
			MaintenanceInitialDelay: 5 * time.Second,
			DiscoveryInterval:       30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Circuit: CircuitConfig{
			Length:              3,
			ConnectTimeout:      3 * time.Second,
			ConnectPollInterval: 100 * time.Millisecond,
			BuildTimeout:        30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 2 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
			CreateRate:  5,
			CreateBurst: 10,
		},
		Router: RouterConfig{
			DedupHistory: 65536,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, def, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return def
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if err := validateListen(c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: %v", err))
	}
	for i, addr := range c.Bootstrap.Peers {
		if err := validateHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("bootstrap.peers[%d]: %v", i, err))
		}
	}

	conns := c.Connections
	if conns.Max < 1 {
		errs = append(errs, "connections.max must be positive")
	}
	if conns.Min < 0 || conns.Min > conns.Max {
		errs = append(errs, "connections.min must be between 0 and connections.max")
	}
	if conns.HandshakeTimeout <= 0 {
		errs = append(errs, "connections.handshake_timeout must be positive")
	}
	if conns.WriteTimeout <= 0 {
		errs = append(errs, "connections.write_timeout must be positive")
	}
	if conns.DialWorkers < 1 {
		errs = append(errs, "connections.dial_workers must be positive")
	}
	if conns.MaintenanceInterval <= 0 {
		errs = append(errs, "connections.maintenance_interval must be positive")
	}
	if conns.Reconnect.Multiplier < 1 {
		errs = append(errs, "connections.reconnect.multiplier must be at least 1")
	}

	circ := c.Circuit
	if circ.Length < 1 {
		errs = append(errs, "circuit.length must be at least 1")
	}
	if circ.ConnectTimeout <= 0 || circ.ConnectPollInterval <= 0 {
		errs = append(errs, "circuit.connect_timeout and connect_poll_interval must be positive")
	} else if circ.ConnectPollInterval > circ.ConnectTimeout {
		errs = append(errs, "circuit.connect_poll_interval must not exceed connect_timeout")
	}
	if circ.BuildTimeout <= 0 {
		errs = append(errs, "circuit.build_timeout must be positive")
	}
	if circ.Retry.MaxAttempts < 1 {
		errs = append(errs, "circuit.retry.max_attempts must be at least 1")
	}
	if circ.Retry.Jitter < 0 || circ.Retry.Jitter > 1 {
		errs = append(errs, "circuit.retry.jitter must be between 0 and 1")
	}
	if circ.CreateRate < 0 {
		errs = append(errs, "circuit.create_rate must not be negative")
	}

	if c.Router.DedupHistory < 1 {
		errs = append(errs, "router.dedup_history must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// AdvertiseAddress returns the host and port other nodes should dial.
// Unset parts fall back to the listen address.
func (c *Config) AdvertiseAddress() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.Listen.Address)
	if err != nil {
		return "", 0, fmt.Errorf("listen.address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("listen.address: invalid port %q", portStr)
	}

	if c.Listen.AdvertiseHost != "" {
		host = c.Listen.AdvertiseHost
	}
	if c.Listen.AdvertisePort != 0 {
		port = c.Listen.AdvertisePort
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "ws":
		return true
	default:
		return false
	}
}

func validateListen(l ListenConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		return fmt.Errorf("invalid address %q: %v", l.Address, err)
	}
	if l.Transport == "ws" && !strings.HasPrefix(l.Path, "/") {
		return fmt.Errorf("path must start with / for ws transport")
	}
	if strings.ContainsAny(l.AdvertiseHost, "[]") {
		return fmt.Errorf("advertise_host must not be bracketed: %s", l.AdvertiseHost)
	}
	if l.AdvertisePort < 0 || l.AdvertisePort > 65535 {
		return fmt.Errorf("advertise_port out of range: %d", l.AdvertisePort)
	}
	return nil
}

func validateHostPort(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("host is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	return nil
}

// String returns the config as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
