// Package config loads the node configuration from a YAML file with sane
// defaults for every omitted field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// GlobalID is this node's global id, e.g. "alice@idsrv-a.example".
	GlobalID string `yaml:"globalId"`
	// DataDir holds keys, the file index, staging fragments and, when
	// the node donates space, the customer storage tree.
	DataDir string `yaml:"dataDir"`

	Customer CustomerConfig `yaml:"customer"`
	Supplier SupplierConfig `yaml:"supplier"`
	Broker   BrokerConfig   `yaml:"broker"`
}

type CustomerConfig struct {
	// Suppliers is this customer's roster of supplier global ids; its
	// length selects the erasure map.
	Suppliers []string `yaml:"suppliers"`
	BlockSize int      `yaml:"blockSize"`
	// MaxParallelBackups bounds concurrently running backup jobs.
	MaxParallelBackups int `yaml:"maxParallelBackups"`
	// RebuildInterval is the repair tick period.
	RebuildInterval Duration `yaml:"rebuildInterval"`
	// CompressTar enables xz compression of directory snapshots.
	CompressTar bool `yaml:"compressTar"`
}

type SupplierConfig struct {
	Enabled bool `yaml:"enabled"`
	// DonatedBytes is the storage budget offered to customers.
	DonatedBytes int64 `yaml:"donatedBytes"`
	// CompressListFiles selects zlib compression of ListFiles replies.
	CompressListFiles bool     `yaml:"compressListFiles"`
	RejectInterval    Duration `yaml:"rejectInterval"`
	ValidateInterval  Duration `yaml:"validateInterval"`
	IdleWindow        Duration `yaml:"idleWindow"`
	Contracts         bool     `yaml:"contracts"`
}

type BrokerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	MaxQueueLength   int      `yaml:"maxQueueLength"`
	MaxPending       int      `yaml:"maxPending"`
	DeliveryInterval Duration `yaml:"deliveryInterval"`
}

// Load reads and validates the configuration file.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.GlobalID == "" {
		return cfg, fmt.Errorf("config: globalId is required")
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Customer.BlockSize == 0 {
		cfg.Customer.BlockSize = 256 * 1024
	}
	if cfg.Customer.MaxParallelBackups == 0 {
		cfg.Customer.MaxParallelBackups = 2
	}
	if cfg.Customer.RebuildInterval == 0 {
		cfg.Customer.RebuildInterval = Duration(time.Minute)
	}
	if cfg.Supplier.RejectInterval == 0 {
		cfg.Supplier.RejectInterval = Duration(time.Hour)
	}
	if cfg.Supplier.ValidateInterval == 0 {
		cfg.Supplier.ValidateInterval = Duration(6 * time.Hour)
	}
	if cfg.Broker.MaxQueueLength == 0 {
		cfg.Broker.MaxQueueLength = 100
	}
	if cfg.Broker.MaxPending == 0 {
		cfg.Broker.MaxPending = 50
	}
	if cfg.Broker.DeliveryInterval == 0 {
		cfg.Broker.DeliveryInterval = Duration(time.Second)
	}
}
