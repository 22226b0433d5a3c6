package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ternmail/tern/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// StorageConfig holds the location of the mailbox store and the credential list.
type StorageConfig struct {
	MailDir   string `toml:"mail_dir"`   // Root directory holding one subdirectory per user
	UsersFile string `toml:"users_file"` // "username password" per line
}

// ServerConfig describes one listener started from a [[server]] block.
type ServerConfig struct {
	Type string `toml:"type"` // pop3, smtp, metrics or http_api
	Name string `toml:"name"`
	Addr string `toml:"addr"`

	Hostname string `toml:"hostname,omitempty"` // Announced in greetings, defaults to the machine hostname
	Debug    bool   `toml:"debug,omitempty"`

	// Connection limits
	MaxConnections      int `toml:"max_connections,omitempty"`
	MaxConnectionsPerIP int `toml:"max_connections_per_ip,omitempty"`

	CommandTimeout string `toml:"command_timeout,omitempty"` // Idle time allowed between commands

	// SMTP specific
	MaxMessageSize string `toml:"max_message_size,omitempty"`

	// Metrics specific
	Path string `toml:"path,omitempty"`

	// HTTP API specific
	APIKey       string   `toml:"api_key,omitempty"`
	AllowedHosts []string `toml:"allowed_hosts,omitempty"` // IPs or CIDR blocks, empty allows all
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig  `toml:"logging"`
	Storage StorageConfig  `toml:"storage"`
	Servers []ServerConfig `toml:"server"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Storage: StorageConfig{
			MailDir:   "mail.store",
			UsersFile: "users.txt",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file on top of the
// values already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	return nil
}

// enhanceConfigError adds the line position reported by the TOML decoder.
func enhanceConfigError(err error) error {
	if perr, ok := err.(toml.ParseError); ok {
		return fmt.Errorf("configuration syntax error at line %d: %s", perr.Position.Line, perr.Message)
	}
	return fmt.Errorf("failed to parse configuration: %w", err)
}

// GetAllServers returns the configured servers with defaults applied.
func (c *Config) GetAllServers() []ServerConfig {
	servers := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			s.Name = s.Type
		}
		if s.Type == "metrics" && s.Path == "" {
			s.Path = "/metrics"
		}
		servers = append(servers, s)
	}
	return servers
}

// Validate checks the configuration as a whole, including every server.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.MailDir) == "" {
		return fmt.Errorf("storage.mail_dir must not be empty")
	}
	if strings.TrimSpace(c.Storage.UsersFile) == "" {
		return fmt.Errorf("storage.users_file must not be empty")
	}

	servers := c.GetAllServers()
	if len(servers) == 0 {
		return fmt.Errorf("no servers configured, add at least one [[server]] block")
	}

	names := make(map[string]bool)
	addrs := make(map[string]string)
	for _, s := range servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("server '%s': %w", s.Name, err)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name '%s'", s.Name)
		}
		names[s.Name] = true
		if other, ok := addrs[s.Addr]; ok {
			return fmt.Errorf("servers '%s' and '%s' cannot bind to the same address %s", other, s.Name, s.Addr)
		}
		addrs[s.Addr] = s.Name
	}
	return nil
}

// Validate checks a single server block.
func (s *ServerConfig) Validate() error {
	switch s.Type {
	case "pop3", "smtp", "metrics", "http_api":
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown server type '%s'", s.Type)
	}
	if s.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if s.MaxConnections < 0 || s.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	if _, err := s.GetCommandTimeout(); err != nil {
		return fmt.Errorf("invalid command_timeout: %w", err)
	}
	if _, err := s.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("invalid max_message_size: %w", err)
	}
	if s.Type == "http_api" && s.APIKey == "" {
		return fmt.Errorf("api_key is required for http_api servers")
	}
	for _, h := range s.AllowedHosts {
		if strings.Contains(h, "/") {
			if _, _, err := net.ParseCIDR(h); err != nil {
				return fmt.Errorf("invalid allowed_hosts entry '%s': %w", h, err)
			}
		} else if net.ParseIP(h) == nil {
			return fmt.Errorf("invalid allowed_hosts entry '%s'", h)
		}
	}
	return nil
}

// GetCommandTimeout parses the idle command timeout, falling back to a
// protocol specific default.
func (s *ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout != "" {
		return helpers.ParseDuration(s.CommandTimeout)
	}
	switch s.Type {
	case "pop3":
		return 10 * time.Minute, nil // RFC 1939 autologout timer
	case "smtp":
		return 5 * time.Minute, nil
	default:
		return 2 * time.Minute, nil
	}
}

// GetMaxMessageSize parses the SMTP message size limit. Zero means unlimited.
func (s *ServerConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return 0, nil
	}
	return helpers.ParseSize(s.MaxMessageSize)
}

// GetHostname returns the configured hostname or the machine hostname.
func (s *ServerConfig) GetHostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
