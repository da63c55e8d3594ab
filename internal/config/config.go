package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStoreDriver = "sqlite"
	DefaultStorePath   = "cryostat.db"
	DefaultListen      = ":9105"
	DefaultIOTimeout   = 2 * time.Second
	DefaultLogLevel    = "info"
	DefaultPlantRateHz = 10.0
)

// Config is the deployment configuration of the engine. Per-loop tuning
// lives in the store, not here.
type Config struct {
	Store                StoreConfig        `yaml:"store"`
	Listen               string             `yaml:"listen"`
	IOTimeout            time.Duration      `yaml:"io_timeout"`
	ResumeEnabledOnStart bool               `yaml:"resume_enabled_on_start"`
	Loops                []string           `yaml:"loops"`
	MaxStep              map[string]float64 `yaml:"max_step"`
	Log                  LogConfig          `yaml:"log"`
	Plant                PlantConfig        `yaml:"plant"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// PlantConfig controls the simulated cryostat used in place of real
// hardware.
type PlantConfig struct {
	Enabled bool    `yaml:"enabled"`
	RateHz  float64 `yaml:"rate_hz"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   DefaultStorePath,
		},
		Listen:    DefaultListen,
		IOTimeout: DefaultIOTimeout,
		MaxStep:   map[string]float64{},
		Log: LogConfig{
			Level:      DefaultLogLevel,
			Encoding:   "console",
			MaxSizeMB:  5,
			MaxBackups: 1,
		},
		Plant: PlantConfig{
			Enabled: true,
			RateHz:  DefaultPlantRateHz,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnv reads a dotenv file into the process environment. Variables that
// are already set win.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides fields from CRYO_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("CRYO_STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := os.LookupEnv("CRYO_STORE_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := os.LookupEnv("CRYO_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := os.LookupEnv("CRYO_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("CRYO_LOG_FILE"); ok {
		c.Log.File = v
	}
	if v, ok := os.LookupEnv("CRYO_IO_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CRYO_IO_TIMEOUT: %w", err)
		}
		c.IOTimeout = d
	}
	if v, ok := os.LookupEnv("CRYO_LOOPS"); ok && v != "" {
		c.Loops = strings.Split(v, ",")
	}
	return nil
}

// SelectedDevices returns the devices this deployment drives, with max
// step overrides applied.
func (c *Config) SelectedDevices() ([]Device, error) {
	ids := c.Loops
	if len(ids) == 0 {
		ids = DeviceIDs()
	}
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		dev, ok := GetDevice(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
		}
		if step, ok := c.MaxStep[id]; ok {
			dev.MaxStep = step
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
