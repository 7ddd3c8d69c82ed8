package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if cfg.Controller.PortStart != 9000 || cfg.Controller.PortEnd != 9100 {
		t.Errorf("unexpected default port range [%d, %d)", cfg.Controller.PortStart, cfg.Controller.PortEnd)
	}
	if cfg.Agent.HeartbeatInterval != 5*time.Second {
		t.Errorf("unexpected default heartbeat interval %v", cfg.Agent.HeartbeatInterval)
	}
}

func TestParseWithEnvExpansion(t *testing.T) {
	os.Setenv("TEST_HANGAR_AGENT", "http://gpu-host:9999")
	defer os.Unsetenv("TEST_HANGAR_AGENT")

	data := []byte(`
controller:
  agent_url: ${TEST_HANGAR_AGENT}
  port_start: 10000
  port_end: 10010
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Controller.AgentURL != "http://gpu-host:9999" {
		t.Errorf("env not expanded: %q", cfg.Controller.AgentURL)
	}
	if cfg.Controller.PortStart != 10000 {
		t.Errorf("file value not applied: %d", cfg.Controller.PortStart)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	os.Setenv("PORT_START", "12000")
	os.Setenv("PORT_END", "12050")
	defer os.Unsetenv("PORT_START")
	defer os.Unsetenv("PORT_END")

	cfg, err := NewLoader().Parse([]byte("controller:\n  port_start: 9000\n  port_end: 9100\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Controller.PortStart != 12000 || cfg.Controller.PortEnd != 12050 {
		t.Errorf("env override lost: [%d, %d)", cfg.Controller.PortStart, cfg.Controller.PortEnd)
	}
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"inverted", "controller:\n  port_start: 9100\n  port_end: 9000\n"},
		{"zero width", "controller:\n  port_start: 9000\n  port_end: 9000\n"},
		{"over 65535", "controller:\n  port_start: 65000\n  port_end: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
