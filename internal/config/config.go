// Package config holds the steering service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/banshee-data/steering/internal/connect"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/steering.defaults.json"

// EnvPrefix prefixes environment overrides, e.g. STEERING_LISTEN.
const EnvPrefix = "STEERING_"

const maxFileSize = 1 * 1024 * 1024

// SteeringConfig is the service configuration. Nil fields fall back to the
// defaults returned by the Get* methods, so partial files are safe.
type SteeringConfig struct {
	Listen    *string `json:"listen,omitempty" koanf:"listen"`
	DBPath    *string `json:"db_path,omitempty" koanf:"db_path"`
	BackupDir *string `json:"backup_dir,omitempty" koanf:"backup_dir"`

	// Transport is "fake", "serial" or "none". With "none" every channel
	// stays unconnected.
	Transport  *string `json:"transport,omitempty" koanf:"transport"`
	SerialPort *string `json:"serial_port,omitempty" koanf:"serial_port"`
	SerialBaud *int    `json:"serial_baud,omitempty" koanf:"serial_baud"`

	// LatticeAddr is a gRPC model server. When empty LatticeTable is used.
	LatticeAddr  *string `json:"lattice_addr,omitempty" koanf:"lattice_addr"`
	LatticeTable *string `json:"lattice_table,omitempty" koanf:"lattice_table"`

	XCorrectorList *string `json:"x_corrector_list,omitempty" koanf:"x_corrector_list"`
	YCorrectorList *string `json:"y_corrector_list,omitempty" koanf:"y_corrector_list"`

	// DeviceCache is "file", "redis" or "none".
	DeviceCache    *string `json:"device_cache,omitempty" koanf:"device_cache"`
	DeviceCacheDir *string `json:"device_cache_dir,omitempty" koanf:"device_cache_dir"`
	RedisAddr      *string `json:"redis_addr,omitempty" koanf:"redis_addr"`
	RedisTTL       *string `json:"redis_ttl,omitempty" koanf:"redis_ttl"` // duration string like "24h"

	EDEF                *int     `json:"edef,omitempty" koanf:"edef"`
	PositionRetries     *int     `json:"position_retries,omitempty" koanf:"position_retries"`
	PositionInterval    *string  `json:"position_interval,omitempty" koanf:"position_interval"`
	ValueRetries        *int     `json:"value_retries,omitempty" koanf:"value_retries"`
	ValueInterval       *string  `json:"value_interval,omitempty" koanf:"value_interval"`
	DispersionThreshold *float64 `json:"dispersion_threshold,omitempty" koanf:"dispersion_threshold"`

	SnapshotDir *string `json:"snapshot_dir,omitempty" koanf:"snapshot_dir"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// Load layers the file at path (JSON or YAML, optional when empty) under
// STEERING_* environment variables and validates the result.
func Load(path string) (*SteeringConfig, error) {
	k := koanf.New(".")

	if path != "" {
		cleanPath := filepath.Clean(path)
		switch ext := filepath.Ext(cleanPath); ext {
		case ".json", ".yaml", ".yml":
		default:
			return nil, fmt.Errorf("config file must be .json or .yaml, got %q", ext)
		}
		info, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
		}
		// YAML is a superset of JSON, so one parser reads both.
		if err := k.Load(file.Provider(cleanPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := &SteeringConfig{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *SteeringConfig) Validate() error {
	if c.Transport != nil {
		switch *c.Transport {
		case "fake", "serial", "none":
		default:
			return fmt.Errorf("transport must be fake, serial or none, got %q", *c.Transport)
		}
		if *c.Transport == "serial" && c.GetSerialPort() == "" {
			return fmt.Errorf("serial transport requires serial_port")
		}
	}
	if c.DeviceCache != nil {
		switch *c.DeviceCache {
		case "file", "redis", "none":
		default:
			return fmt.Errorf("device_cache must be file, redis or none, got %q", *c.DeviceCache)
		}
	}
	if c.EDEF != nil && *c.EDEF < 0 {
		return fmt.Errorf("edef must be non-negative, got %d", *c.EDEF)
	}
	if c.PositionRetries != nil && *c.PositionRetries < 1 {
		return fmt.Errorf("position_retries must be at least 1, got %d", *c.PositionRetries)
	}
	if c.ValueRetries != nil && *c.ValueRetries < 1 {
		return fmt.Errorf("value_retries must be at least 1, got %d", *c.ValueRetries)
	}
	if c.DispersionThreshold != nil && *c.DispersionThreshold < 0 {
		return fmt.Errorf("dispersion_threshold must be non-negative, got %f", *c.DispersionThreshold)
	}
	for name, v := range map[string]*string{
		"position_interval": c.PositionInterval,
		"value_interval":    c.ValueInterval,
		"redis_ttl":         c.RedisTTL,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	return nil
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func (c *SteeringConfig) GetListen() string    { return stringOr(c.Listen, ":8090") }
func (c *SteeringConfig) GetDBPath() string    { return stringOr(c.DBPath, "steering.db") }
func (c *SteeringConfig) GetBackupDir() string { return stringOr(c.BackupDir, ".") }
func (c *SteeringConfig) GetTransport() string { return stringOr(c.Transport, "fake") }
func (c *SteeringConfig) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

func (c *SteeringConfig) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return 115200
	}
	return *c.SerialBaud
}

func (c *SteeringConfig) GetLatticeAddr() string  { return stringOr(c.LatticeAddr, "") }
func (c *SteeringConfig) GetLatticeTable() string { return stringOr(c.LatticeTable, "config/lattice.json") }

func (c *SteeringConfig) GetXCorrectorList() string {
	return stringOr(c.XCorrectorList, "config/xcor.json")
}

func (c *SteeringConfig) GetYCorrectorList() string {
	return stringOr(c.YCorrectorList, "config/ycor.json")
}

func (c *SteeringConfig) GetDeviceCache() string    { return stringOr(c.DeviceCache, "file") }
func (c *SteeringConfig) GetDeviceCacheDir() string { return stringOr(c.DeviceCacheDir, "cache") }
func (c *SteeringConfig) GetRedisAddr() string      { return stringOr(c.RedisAddr, "localhost:6379") }

func (c *SteeringConfig) GetRedisTTL() time.Duration {
	return durationOr(c.RedisTTL, 24*time.Hour)
}

func (c *SteeringConfig) GetEDEF() int {
	if c.EDEF == nil {
		return 0
	}
	return *c.EDEF
}

// GetPositionBudget is the retry budget for position channels.
func (c *SteeringConfig) GetPositionBudget() connect.Budget {
	b := connect.DefaultPositionBudget
	if c.PositionRetries != nil {
		b.MaxRetries = *c.PositionRetries
	}
	b.Interval = durationOr(c.PositionInterval, b.Interval)
	return b
}

// GetValueBudget is the retry budget for value channels.
func (c *SteeringConfig) GetValueBudget() connect.Budget {
	b := connect.DefaultValueBudget
	if c.ValueRetries != nil {
		b.MaxRetries = *c.ValueRetries
	}
	b.Interval = durationOr(c.ValueInterval, b.Interval)
	return b
}

func (c *SteeringConfig) GetDispersionThreshold() float64 {
	if c.DispersionThreshold == nil {
		return 0.010
	}
	return *c.DispersionThreshold
}

func (c *SteeringConfig) GetSnapshotDir() string { return stringOr(c.SnapshotDir, "snapshots") }
