package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rbraunm/eqbcs/pkg/protocol"
)

const (
	maxPort = 65535

	// maxEnvInstances bounds the EQBCS_INSTANCE<N>_PASSWORD scan
	maxEnvInstances = 256
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Security SecuritySection `toml:"security"`
	Logging  LoggingSection  `toml:"logging"`
	SSH      SSHSection      `toml:"ssh"`
	Metrics  MetricsSection  `toml:"metrics"`
}

type ServerSection struct {
	Bind                 string `toml:"bind"`
	Port                 int    `toml:"port"`
	Servers              int    `toml:"servers"`
	PortRangeStart       int    `toml:"port_range_start"`
	MaxClients           int    `toml:"max_clients"`
	PingIntervalSeconds  int    `toml:"ping_interval_seconds"`
	ClientTimeoutSeconds int    `toml:"client_timeout_seconds"`
	WriteTimeoutSeconds  int    `toml:"write_timeout_seconds"`
	MaxLineBytes         int    `toml:"max_line_bytes"`
}

type SecuritySection struct {
	// Password policies: "" / none / null / off ... = none, "auto" = generate, anything else = literal
	MasterPassword    string            `toml:"master_password"`
	InstancePasswords map[string]string `toml:"instance_passwords"` // instance number -> policy
}

type LoggingSection struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	Keepalive bool   `toml:"keepalive"`
}

type SSHSection struct {
	Port    int    `toml:"port"`
	HostKey string `toml:"host_key"`
}

type MetricsSection struct {
	Addr string `toml:"addr"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Bind:                 "0.0.0.0",
			Port:                 protocol.DefaultPort,
			Servers:              1,
			MaxClients:           250,
			PingIntervalSeconds:  30,
			ClientTimeoutSeconds: 120,
			WriteTimeoutSeconds:  5,
			MaxLineBytes:         protocol.MaxLineSize,
		},
		Logging: LoggingSection{
			Level: "info",
		},
		SSH: SSHSection{
			HostKey: "~/.eqbcs/ssh_host_key",
		},
		Metrics: MetricsSection{
			Addr: "127.0.0.1:9090",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults (might be a read-only
		// container filesystem)
		if err := writeDefaultConfig(path); err != nil {
			debugLog.Printf("could not write default config to %s: %v", path, err)
		}
		return applyEnvOverrides(config, os.LookupEnv), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config, os.LookupEnv), nil
}

// lookupFunc matches os.LookupEnv
type lookupFunc func(key string) (string, bool)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern EQBCS_SECTION_KEY, for example
// EQBCS_SERVER_PORT=2112. Password policies are also read from the
// short forms EQBCS_MASTER_PASSWORD and EQBCS_INSTANCE<N>_PASSWORD, which
// take precedence.
func applyEnvOverrides(config TOMLConfig, lookup lookupFunc) TOMLConfig {
	str := func(key string, dst *string) {
		if val, ok := lookup(key); ok && val != "" {
			*dst = val
		}
	}
	num := func(key string, dst *int) {
		if val, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if val, ok := lookup(key); ok {
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off", "":
				*dst = false
			}
		}
	}

	// Server section
	str("EQBCS_SERVER_BIND", &config.Server.Bind)
	num("EQBCS_SERVER_PORT", &config.Server.Port)
	num("EQBCS_SERVER_SERVERS", &config.Server.Servers)
	num("EQBCS_SERVER_PORT_RANGE_START", &config.Server.PortRangeStart)
	num("EQBCS_SERVER_MAX_CLIENTS", &config.Server.MaxClients)
	num("EQBCS_SERVER_PING_INTERVAL_SECONDS", &config.Server.PingIntervalSeconds)
	num("EQBCS_SERVER_CLIENT_TIMEOUT_SECONDS", &config.Server.ClientTimeoutSeconds)
	num("EQBCS_SERVER_WRITE_TIMEOUT_SECONDS", &config.Server.WriteTimeoutSeconds)
	num("EQBCS_SERVER_MAX_LINE_BYTES", &config.Server.MaxLineBytes)

	// Security section; an empty value is a valid "none" policy here
	if val, ok := lookup("EQBCS_SECURITY_MASTER_PASSWORD"); ok {
		config.Security.MasterPassword = val
	}
	if val, ok := lookup("EQBCS_MASTER_PASSWORD"); ok {
		config.Security.MasterPassword = val
	}
	for i := 0; i < maxEnvInstances; i++ {
		if val, ok := lookup(fmt.Sprintf("EQBCS_INSTANCE%d_PASSWORD", i)); ok {
			if config.Security.InstancePasswords == nil {
				config.Security.InstancePasswords = make(map[string]string)
			}
			config.Security.InstancePasswords[strconv.Itoa(i)] = val
		}
	}

	// Logging section
	str("EQBCS_LOGGING_LEVEL", &config.Logging.Level)
	str("EQBCS_LOGGING_FILE", &config.Logging.File)
	flag("EQBCS_LOGGING_KEEPALIVE", &config.Logging.Keepalive)

	// SSH section
	num("EQBCS_SSH_PORT", &config.SSH.Port)
	str("EQBCS_SSH_HOST_KEY", &config.SSH.HostKey)

	// Metrics section; empty disables the endpoint
	if val, ok := lookup("EQBCS_METRICS_ADDR"); ok {
		config.Metrics.Addr = val
	}

	return config
}

// Validate checks the values that would otherwise fail later at bind time
// or produce a nonsensical server.
func (c *TOMLConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > maxPort {
		return &ConfigError{Field: "server.port", Value: c.Server.Port, Message: "must be between 1 and 65535"}
	}
	if c.Server.Servers < 1 {
		return &ConfigError{Field: "server.servers", Value: c.Server.Servers, Message: "must be at least 1"}
	}
	if last := c.Server.Port + c.Server.Servers - 1; last > maxPort {
		return &ConfigError{
			Field:   "server.servers",
			Value:   c.Server.Servers,
			Message: fmt.Sprintf("ports %d..%d do not fit in 1..65535", c.Server.Port, last),
		}
	}
	start := c.RangeStart()
	if start > maxPort {
		return &ConfigError{Field: "server.port_range_start", Value: start, Message: "must be between 1 and 65535"}
	}
	if c.Server.Port < start {
		return &ConfigError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: fmt.Sprintf("below port_range_start %d", start),
			Hint:    "leave port_range_start unset to start the range at server.port",
		}
	}
	if c.Server.MaxClients < 0 {
		return &ConfigError{Field: "server.max_clients", Value: c.Server.MaxClients, Message: "must not be negative", Hint: "use 0 for no limit"}
	}
	if c.Server.ClientTimeoutSeconds < 0 {
		return &ConfigError{Field: "server.client_timeout_seconds", Value: c.Server.ClientTimeoutSeconds, Message: "must not be negative", Hint: "use 0 for advisory keepalive"}
	}
	if c.Server.PingIntervalSeconds <= 0 {
		return &ConfigError{Field: "server.ping_interval_seconds", Value: c.Server.PingIntervalSeconds, Message: "must be positive"}
	}
	if _, ok := ParseLogLevel(c.Logging.Level); !ok {
		return &ConfigError{Field: "logging.level", Value: c.Logging.Level, Message: "unknown level", Hint: "use debug, info, warn or error"}
	}
	for key := range c.Security.InstancePasswords {
		if _, err := strconv.Atoi(key); err != nil {
			return &ConfigError{Field: "security.instance_passwords", Value: key, Message: "keys must be instance numbers"}
		}
	}
	if c.SSH.Port < 0 || c.SSH.Port > maxPort {
		return &ConfigError{Field: "ssh.port", Value: c.SSH.Port, Message: "must be between 0 and 65535"}
	}
	return nil
}

// RangeStart is the first port of the instance range. It defaults to the
// configured port.
func (c *TOMLConfig) RangeStart() int {
	if c.Server.PortRangeStart > 0 {
		return c.Server.PortRangeStart
	}
	return c.Server.Port
}

// Ports lists the ports of every configured instance, starting at the
// configured port.
func (c *TOMLConfig) Ports() []int {
	ports := make([]int, 0, c.Server.Servers)
	for i := 0; i < c.Server.Servers; i++ {
		ports = append(ports, c.Server.Port+i)
	}
	return ports
}

// InstanceNumber maps a port to its instance number (never negative)
func (c *TOMLConfig) InstanceNumber(port int) int {
	n := port - c.RangeStart()
	if n < 0 {
		return 0
	}
	return n
}

// PasswordResolver builds the resolver for this configuration; cliPassword
// is the last-resort literal.
func (c *TOMLConfig) PasswordResolver(cliPassword string) *PasswordResolver {
	instances := make(map[int]Policy, len(c.Security.InstancePasswords))
	for key, raw := range c.Security.InstancePasswords {
		if n, err := strconv.Atoi(key); err == nil {
			instances[n] = ParsePolicy(raw)
		}
	}
	return NewPasswordResolver(ParsePolicy(c.Security.MasterPassword), instances, cliPassword)
}

// ToServerConfig converts TOMLConfig to the Config of the instance on port.
// The password is resolved separately.
func (c *TOMLConfig) ToServerConfig(port int) Config {
	cfg := DefaultConfig()

	cfg.Port = port
	cfg.Instance = c.InstanceNumber(port)
	if strings.TrimSpace(c.Server.Bind) != "" {
		cfg.Bind = c.Server.Bind
	}
	cfg.MaxClients = c.Server.MaxClients
	cfg.ClientTimeout = time.Duration(c.Server.ClientTimeoutSeconds) * time.Second
	if c.Server.PingIntervalSeconds > 0 {
		cfg.PingInterval = time.Duration(c.Server.PingIntervalSeconds) * time.Second
	}
	if c.Server.WriteTimeoutSeconds >= 0 {
		cfg.WriteTimeout = time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
	}
	if c.Server.MaxLineBytes > 0 {
		cfg.MaxLineBytes = c.Server.MaxLineBytes
	}
	cfg.LogKeepalive = c.Logging.Keepalive

	// SSH is served by the first instance only
	if port == c.Server.Port {
		cfg.SSHPort = c.SSH.Port
	}
	if strings.TrimSpace(c.SSH.HostKey) != "" {
		cfg.SSHHostKeyPath = c.SSH.HostKey
	}

	return cfg
}

// expandHome expands a leading "~/" to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Active settings use defaults, commented settings show available options
	content := `# EQBCS Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# EQBCS_SECTION_KEY (e.g., EQBCS_SERVER_PORT=2112)
# Passwords may also be set with EQBCS_MASTER_PASSWORD and
# EQBCS_INSTANCE<N>_PASSWORD.

[server]
# Address to bind
bind = "0.0.0.0"

# Port of the first instance (EQBC plugins default to 2112)
port = 2112

# Number of instances, on consecutive ports starting at port
servers = 1

# First port of the instance numbering range (instance = port - start)
# Uncomment to number instances from a different port:
# port_range_start = 2112

# Maximum concurrent connections per instance, logged in or not (0 = unlimited)
max_clients = 250

# Seconds between keepalive PINGs
ping_interval_seconds = 30

# Disconnect a client that has not answered PING for this many seconds.
# 0 keeps silent clients connected (legacy advisory mode)
client_timeout_seconds = 120

# Seconds a single write may block before the client is dropped
write_timeout_seconds = 5

# Longest accepted line in bytes
max_line_bytes = 65536

[security]
# Password policy for every instance: "" (none), "auto" (generate one token
# at startup and log it), or a literal password
master_password = ""

# Per-instance overrides, keyed by instance number
# [security.instance_passwords]
# 0 = "auto"
# 1 = "raidnight"

[logging]
# debug, info, warn or error
level = "info"

# Also write the log to this file
# file = "/var/log/eqbcs.log"

# Log PING/PONG traffic and blank lines
keepalive = false

[ssh]
# Serve the line protocol over SSH on this port (0 = disabled)
port = 0

# Path to SSH host key file (generated on first start)
host_key = "~/.eqbcs/ssh_host_key"

[metrics]
# Prometheus /metrics and /health endpoint (empty = disabled)
# Keep this on a private interface
addr = "127.0.0.1:9090"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
