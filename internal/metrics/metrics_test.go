package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExposition(t *testing.T) {
	m := New()
	m.DeploysTotal.WithLabelValues("source", "success").Inc()
	m.RunningApps.Set(3)
	m.FreePorts.Set(42)
	m.HeartbeatsTotal.Inc()
	m.WatchdogExpiries.Inc()
	m.SetReservedVRAM(map[int]int{0: 2000, 1: 7000})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`hangar_deploys_total{kind="source",outcome="success"} 1`,
		"hangar_running_apps 3",
		"hangar_free_ports 42",
		"hangar_heartbeats_total 1",
		"hangar_watchdog_expiries_total 1",
		`hangar_reserved_vram_mib{gpu="0"} 2000`,
		`hangar_reserved_vram_mib{gpu="1"} 7000`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSetReservedVRAMResets(t *testing.T) {
	m := New()
	m.SetReservedVRAM(map[int]int{0: 2000})
	m.SetReservedVRAM(map[int]int{1: 500})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if strings.Contains(body, `gpu="0"`) {
		t.Error("stale GPU series survived reset")
	}
	if !strings.Contains(body, `hangar_reserved_vram_mib{gpu="1"} 500`) {
		t.Error("new GPU series missing")
	}
}
