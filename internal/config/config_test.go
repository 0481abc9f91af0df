package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/steering/internal/connect"
)

func TestDefaultsFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("Load defaults failed: %v", err)
	}
	if cfg.GetListen() != ":8090" {
		t.Errorf("GetListen() = %q, want :8090", cfg.GetListen())
	}
	if got := cfg.GetPositionBudget(); got != connect.DefaultPositionBudget {
		t.Errorf("GetPositionBudget() = %+v, want %+v", got, connect.DefaultPositionBudget)
	}
	if got := cfg.GetValueBudget(); got != connect.DefaultValueBudget {
		t.Errorf("GetValueBudget() = %+v, want %+v", got, connect.DefaultValueBudget)
	}
	if cfg.GetDispersionThreshold() != 0.01 {
		t.Errorf("GetDispersionThreshold() = %v, want 0.01", cfg.GetDispersionThreshold())
	}
	if cfg.GetRedisTTL() != 24*time.Hour {
		t.Errorf("GetRedisTTL() = %v, want 24h", cfg.GetRedisTTL())
	}
}

func TestEmptyConfigGetters(t *testing.T) {
	cfg := &SteeringConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen", cfg.GetListen(), ":8090"},
		{"db", cfg.GetDBPath(), "steering.db"},
		{"transport", cfg.GetTransport(), "fake"},
		{"baud", cfg.GetSerialBaud(), 115200},
		{"cache", cfg.GetDeviceCache(), "file"},
		{"edef", cfg.GetEDEF(), 0},
		{"lattice addr", cfg.GetLatticeAddr(), ""},
		{"position budget", cfg.GetPositionBudget(), connect.DefaultPositionBudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steering.json")
	if err := os.WriteFile(path, []byte(`{"edef": 12, "value_retries": 5, "value_interval": "250ms"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GetEDEF() != 12 {
		t.Errorf("GetEDEF() = %d, want 12", cfg.GetEDEF())
	}
	want := connect.Budget{MaxRetries: 5, Interval: 250 * time.Millisecond}
	if got := cfg.GetValueBudget(); got != want {
		t.Errorf("GetValueBudget() = %+v, want %+v", got, want)
	}
	if cfg.GetPositionBudget() != connect.DefaultPositionBudget {
		t.Errorf("unset position budget should default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steering.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\ndevice_cache: redis\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GetListen() != ":9000" || cfg.GetDeviceCache() != "redis" {
		t.Errorf("unexpected config: listen=%s cache=%s", cfg.GetListen(), cfg.GetDeviceCache())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steering.json")
	if err := os.WriteFile(path, []byte(`{"listen": ":8000", "edef": 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STEERING_LISTEN", ":7000")
	t.Setenv("STEERING_EDEF", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GetListen() != ":7000" {
		t.Errorf("GetListen() = %q, want :7000", cfg.GetListen())
	}
	if cfg.GetEDEF() != 9 {
		t.Errorf("GetEDEF() = %d, want 9", cfg.GetEDEF())
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"extension", write("steering.txt", "{}"), "must be .json or .yaml"},
		{"missing", filepath.Join(dir, "nope.json"), "failed to stat"},
		{"transport", write("t.json", `{"transport": "carrier-pigeon"}`), "transport must be"},
		{"serial without port", write("s.json", `{"transport": "serial"}`), "requires serial_port"},
		{"cache", write("c.json", `{"device_cache": "memcached"}`), "device_cache must be"},
		{"interval", write("i.json", `{"value_interval": "soon"}`), "invalid value_interval"},
		{"retries", write("r.json", `{"position_retries": 0}`), "position_retries must be"},
		{"edef", write("e.json", `{"edef": -1}`), "edef must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load(%s) error = %v, want containing %q", tt.name, err, tt.want)
			}
		})
	}
}

func TestValidatePointerFields(t *testing.T) {
	cfg := &SteeringConfig{
		Transport:           ptrString("serial"),
		SerialPort:          ptrString("/dev/ttyUSB0"),
		ValueRetries:        ptrInt(2),
		DispersionThreshold: ptrFloat64(0.02),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	cfg.DispersionThreshold = ptrFloat64(-1)
	if err := cfg.Validate(); err == nil {
		t.Error("negative dispersion threshold should fail")
	}

	disabled := &SteeringConfig{Transport: ptrString("none")}
	if err := disabled.Validate(); err != nil {
		t.Errorf("transport none: %v", err)
	}
}
