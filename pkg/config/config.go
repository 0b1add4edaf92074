package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeTypeEnv is the environment variable that selects the node type of the
// machine the tools run on.
const NodeTypeEnv = "UMT_NODETYPE"

// Config represents the testbed tooling configuration
type Config struct {
	DatabasePath   string        `yaml:"database"`
	LogDir         string        `yaml:"log_dir"`
	SSHUser        string        `yaml:"ssh_user"`
	SSHPort        int           `yaml:"ssh_port"`
	SSHKey         string        `yaml:"ssh_key"`
	KnownHosts     string        `yaml:"known_hosts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	HostTemplate   string        `yaml:"host_template"`
	NodeType       string        `yaml:"node_type"`
}

// ConfigurationError reports required configuration that is missing or
// invalid. It is fatal at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// NodeProfile is the configuration derived from the node type.
type NodeProfile struct {
	Type         string
	Description  string
	HostTemplate string
}

var nodeProfiles = map[string]NodeProfile{
	"meshrouter":  {Type: "meshrouter", Description: "Physical mesh router", HostTemplate: "mrouter%s"},
	"vmeshrouter": {Type: "vmeshrouter", Description: "Virtual mesh router", HostTemplate: "vmrouter%s"},
	"vmeshhost":   {Type: "vmeshhost", Description: "Host of virtual mesh routers", HostTemplate: "vmhost%s"},
	"testbedctl":  {Type: "testbedctl", Description: "Testbed control host", HostTemplate: "mrouter%s"},
}

// NodeTypes returns the known node types in sorted order
func NodeTypes() []string {
	types := make([]string, 0, len(nodeProfiles))
	for t := range nodeProfiles {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	dbPath := "/var/lib/umtest/umtest.db"
	logDir := "/var/lib/umtest/logs"
	if err == nil {
		dbPath = filepath.Join(homeDir, "umtest", "umtest.db")
		logDir = filepath.Join(homeDir, "umtest", "logs")
	}
	return &Config{
		DatabasePath:   dbPath,
		LogDir:         logDir,
		SSHUser:        "root",
		SSHPort:        22,
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 5 * time.Minute,
	}
}

// Load loads configuration from file and environment variables
// Priority: environment variables > config file > defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if configPath := GetConfigPath(); configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			// Config file is optional
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if db := os.Getenv("UMT_DB"); db != "" {
		cfg.DatabasePath = db
	}
	if dir := os.Getenv("UMT_LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}
	if user := os.Getenv("UMT_SSH_USER"); user != "" {
		cfg.SSHUser = user
	}
	if nodeType := os.Getenv(NodeTypeEnv); nodeType != "" {
		cfg.NodeType = nodeType
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Save saves the configuration to a file
func (cfg *Config) Save(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	configPath := os.Getenv("UMT_CONFIG")
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(homeDir, ".umtest.yaml")
		} else {
			configPath = ".umtest.yaml"
		}
	}
	return configPath
}

// expandPath expands a leading ~/ and any environment variables
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// GetDatabasePath returns the database path, expanding ~/ and $VARS
func (cfg *Config) GetDatabasePath() string {
	return expandPath(cfg.DatabasePath)
}

// GetLogDir returns the log directory, expanding ~/ and $VARS
func (cfg *Config) GetLogDir() string {
	return expandPath(cfg.LogDir)
}

// GetSSHKey returns the private key path, expanding ~/ and $VARS
func (cfg *Config) GetSSHKey() string {
	return expandPath(cfg.SSHKey)
}

// GetKnownHosts returns the known_hosts path, expanding ~/ and $VARS
func (cfg *Config) GetKnownHosts() string {
	return expandPath(cfg.KnownHosts)
}

// RequireNodeType checks that the node type was configured (normally via
// UMT_NODETYPE) and names a known node profile.
func (cfg *Config) RequireNodeType() (NodeProfile, error) {
	if cfg.NodeType == "" {
		return NodeProfile{}, &ConfigurationError{
			Key:    NodeTypeEnv,
			Reason: fmt.Sprintf("not set (one of: %s)", strings.Join(NodeTypes(), ", ")),
		}
	}
	profile, ok := nodeProfiles[cfg.NodeType]
	if !ok {
		return NodeProfile{}, &ConfigurationError{
			Key:    NodeTypeEnv,
			Reason: fmt.Sprintf("unknown node type %q (one of: %s)", cfg.NodeType, strings.Join(NodeTypes(), ", ")),
		}
	}
	return profile, nil
}

// GetHostTemplate returns the configured host template, falling back to the
// node profile's template and finally to the bare node name.
func (cfg *Config) GetHostTemplate() string {
	if cfg.HostTemplate != "" {
		return cfg.HostTemplate
	}
	if profile, ok := nodeProfiles[cfg.NodeType]; ok {
		return profile.HostTemplate
	}
	return "%s"
}

// ValidateDatabase checks the database path and creates its directory
func (cfg *Config) ValidateDatabase() error {
	if cfg.DatabasePath == "" {
		return &ConfigurationError{Key: "database", Reason: "path is empty"}
	}
	dir := filepath.Dir(cfg.GetDatabasePath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// Validate checks the whole configuration
func (cfg *Config) Validate() error {
	if err := cfg.ValidateDatabase(); err != nil {
		return err
	}
	if cfg.SSHPort <= 0 || cfg.SSHPort > 65535 {
		return &ConfigurationError{Key: "ssh_port", Reason: fmt.Sprintf("out of range: %d", cfg.SSHPort)}
	}
	if cfg.CommandTimeout <= 0 {
		return &ConfigurationError{Key: "command_timeout", Reason: "must be positive"}
	}
	if cfg.ConnectTimeout <= 0 {
		return &ConfigurationError{Key: "connect_timeout", Reason: "must be positive"}
	}
	if cfg.HostTemplate != "" && strings.Count(cfg.HostTemplate, "%s") != 1 {
		return &ConfigurationError{Key: "host_template", Reason: "must contain exactly one %s"}
	}
	return nil
}

// configKey binds a config file key to accessors on Config
type configKey struct {
	description string
	get         func(cfg *Config) string
	set         func(cfg *Config, value string) error
}

var configKeys = map[string]configKey{
	"database": {
		description: "Path to SQLite database",
		get:         func(cfg *Config) string { return cfg.DatabasePath },
		set:         func(cfg *Config, v string) error { cfg.DatabasePath = v; return nil },
	},
	"log_dir": {
		description: "Directory that receives measurement log files",
		get:         func(cfg *Config) string { return cfg.LogDir },
		set:         func(cfg *Config, v string) error { cfg.LogDir = v; return nil },
	},
	"ssh_user": {
		description: "User for SSH connections to testbed nodes",
		get:         func(cfg *Config) string { return cfg.SSHUser },
		set:         func(cfg *Config, v string) error { cfg.SSHUser = v; return nil },
	},
	"ssh_port": {
		description: "SSH port on testbed nodes",
		get:         func(cfg *Config) string { return strconv.Itoa(cfg.SSHPort) },
		set: func(cfg *Config, v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", v, err)
			}
			cfg.SSHPort = port
			return nil
		},
	},
	"ssh_key": {
		description: "Private key file (empty: use ssh-agent only)",
		get:         func(cfg *Config) string { return cfg.SSHKey },
		set:         func(cfg *Config, v string) error { cfg.SSHKey = v; return nil },
	},
	"known_hosts": {
		description: "known_hosts file (empty: do not verify host keys)",
		get:         func(cfg *Config) string { return cfg.KnownHosts },
		set:         func(cfg *Config, v string) error { cfg.KnownHosts = v; return nil },
	},
	"connect_timeout": {
		description: "Timeout for establishing an SSH connection",
		get:         func(cfg *Config) string { return cfg.ConnectTimeout.String() },
		set:         durationSetter(func(cfg *Config, d time.Duration) { cfg.ConnectTimeout = d }),
	},
	"command_timeout": {
		description: "Default timeout for a single remote command",
		get:         func(cfg *Config) string { return cfg.CommandTimeout.String() },
		set:         durationSetter(func(cfg *Config, d time.Duration) { cfg.CommandTimeout = d }),
	},
	"host_template": {
		description: "Maps a node id to a host name, e.g. mrouter%s",
		get:         func(cfg *Config) string { return cfg.HostTemplate },
		set:         func(cfg *Config, v string) error { cfg.HostTemplate = v; return nil },
	},
	"node_type": {
		description: "Node type (overridden by " + NodeTypeEnv + ")",
		get:         func(cfg *Config) string { return cfg.NodeType },
		set: func(cfg *Config, v string) error {
			if _, ok := nodeProfiles[v]; !ok {
				return fmt.Errorf("unknown node type %q (one of: %s)", v, strings.Join(NodeTypes(), ", "))
			}
			cfg.NodeType = v
			return nil
		},
	},
}

func durationSetter(assign func(cfg *Config, d time.Duration)) func(cfg *Config, v string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		if d <= 0 {
			return fmt.Errorf("duration must be positive: %s", v)
		}
		assign(cfg, d)
		return nil
	}
}

// Keys returns the valid configuration keys in sorted order
func Keys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns the human-readable description of a key
func Describe(key string) string {
	return configKeys[key].description
}

// Get returns the value of a configuration key as a string
func (cfg *Config) Get(key string) (string, error) {
	k, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key '%s'", key)
	}
	return k.get(cfg), nil
}

// Set parses and assigns the value of a configuration key
func (cfg *Config) Set(key, value string) error {
	k, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key '%s'", key)
	}
	return k.set(cfg, value)
}
