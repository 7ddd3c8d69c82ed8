package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. A missing file is not an
// error: defaults plus environment overrides describe a working dev setup.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnv(cfg)
			return cfg, l.validate(cfg)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Well-known environment variables win over the file
	applyEnv(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv applies the well-known environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_URL"); v != "" {
		cfg.Controller.AgentURL = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Agent.ControllerURL = v
	}
	if v := os.Getenv("PORT_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Controller.PortStart = n
		}
	}
	if v := os.Getenv("PORT_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Controller.PortEnd = n
		}
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.Controller.SecretKey = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Controller.AdminPassword = v
	}
	if v := os.Getenv("ROUTES_FILE"); v != "" {
		cfg.Proxy.RoutesFile = v
	}
	if v := os.Getenv("PROXY_CONFIG_PATH"); v != "" {
		cfg.Proxy.ConfigPath = v
	}
	if v := os.Getenv("PROXY_LINK_PATH"); v != "" {
		cfg.Proxy.LinkPath = v
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Controller.PortStart <= 0 || cfg.Controller.PortEnd <= cfg.Controller.PortStart {
		return fmt.Errorf("invalid port range [%d, %d)", cfg.Controller.PortStart, cfg.Controller.PortEnd)
	}
	if cfg.Controller.PortEnd > 65536 {
		return fmt.Errorf("port range end %d exceeds 65535", cfg.Controller.PortEnd)
	}
	if cfg.Controller.AgentURL == "" {
		return fmt.Errorf("controller.agent_url is required")
	}
	if cfg.Agent.ControllerURL == "" {
		return fmt.Errorf("agent.controller_url is required")
	}
	if cfg.Proxy.RoutesFile == "" || cfg.Proxy.ConfigPath == "" {
		return fmt.Errorf("proxy.routes_file and proxy.config_path are required")
	}
	return nil
}
