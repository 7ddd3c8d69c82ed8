package config

import "time"

// Config is the root configuration for both hangar services. A single file
// configures the pair; each binary reads its own section plus Shared.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Controller ControllerConfig `yaml:"controller"`
	Agent      AgentConfig      `yaml:"agent"`
	Proxy      ProxyConfig      `yaml:"proxy"`
}

// LoggingConfig defines service log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ControllerConfig configures the controller service.
type ControllerConfig struct {
	Listen       string `yaml:"listen"`
	AgentURL     string `yaml:"agent_url"`
	DatabasePath string `yaml:"database_path"`
	UploadDir    string `yaml:"upload_dir"`
	LogDir       string `yaml:"log_dir"`
	TemplateDir  string `yaml:"template_dir"`
	FrontendDir  string `yaml:"frontend_dir"`

	// Port pool bounds, half-open: [PortStart, PortEnd).
	PortStart int `yaml:"port_start"`
	PortEnd   int `yaml:"port_end"`

	// SecretKey signs bearer tokens; AdminPassword seeds the admin user.
	SecretKey     string        `yaml:"secret_key"`
	AdminPassword string        `yaml:"admin_password"`
	TokenTTL      time.Duration `yaml:"token_ttl"`

	// Watchdog timing.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	HeartbeatExpiry  time.Duration `yaml:"heartbeat_expiry"`

	// Agent RPC timeouts.
	AgentTimeout     time.Duration `yaml:"agent_timeout"`
	AgentStopTimeout time.Duration `yaml:"agent_stop_timeout"`
}

// AgentConfig configures the host agent service.
type AgentConfig struct {
	Listen        string `yaml:"listen"`
	ControllerURL string `yaml:"controller_url"`

	// HeartbeatInterval is the supervisor tick.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StopGracePeriod is how long SIGTERM gets before SIGKILL.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	// ReadinessTimeout bounds the readiness probe loop.
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
}

// ProxyConfig configures route persistence and proxy config emission.
type ProxyConfig struct {
	RoutesFile string `yaml:"routes_file"`
	ConfigPath string `yaml:"config_path"`
	LinkPath   string `yaml:"link_path"`
	ListenPort int    `yaml:"listen_port"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Controller: ControllerConfig{
			Listen:           ":8000",
			AgentURL:         "http://localhost:8001",
			DatabasePath:     "./app.db",
			UploadDir:        "./uploads",
			LogDir:           "./logs",
			TemplateDir:      "./templates",
			FrontendDir:      "./frontend",
			PortStart:        9000,
			PortEnd:          9100,
			SecretKey:        "change_me",
			AdminPassword:    "admin",
			TokenTTL:         60 * time.Minute,
			WatchdogInterval: 30 * time.Second,
			HeartbeatExpiry:  60 * time.Second,
			AgentTimeout:     5 * time.Second,
			AgentStopTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			Listen:            ":8001",
			ControllerURL:     "http://localhost:8000",
			HeartbeatInterval: 5 * time.Second,
			StopGracePeriod:   30 * time.Second,
			ReadinessTimeout:  10 * time.Minute,
		},
		Proxy: ProxyConfig{
			RoutesFile: "./proxy/routes.json",
			ConfigPath: "./proxy/apps.conf",
			LinkPath:   "/etc/nginx/conf.d/apps.conf",
			ListenPort: 8080,
		},
	}
}
