package devproxy

import (
	"fmt"
	"os"
	"slices"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Config describes the store emulated by the dev proxy.
type Config struct {
	StoreName string  `yaml:"storeName" default:"kvstore"`
	BatchSize uint32  `yaml:"batchSize" default:"100"`
	Tables    []Table `yaml:"tables"`
}

// Table declares a table. Keys are made of the PrimaryKey fields in order;
// ShardKey must be a leading subset of them.
type Table struct {
	Name       string              `yaml:"name"`
	PrimaryKey []string            `yaml:"primaryKey"`
	ShardKey   []string            `yaml:"shardKey"`
	Indexes    map[string][]string `yaml:"indexes"`
}

// LoadConfig reads a YAML table definition file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read tables file: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse tables file: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.BatchSize == 0 {
		return fmt.Errorf("batchSize must be positive")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

func (t Table) validate() error {
	if t.Name == "" {
		return fmt.Errorf("table without a name")
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primaryKey is empty", t.Name)
	}
	if len(t.ShardKey) > len(t.PrimaryKey) || !slices.Equal(t.ShardKey, t.PrimaryKey[:len(t.ShardKey)]) {
		return fmt.Errorf("table %s: shardKey must be a prefix of primaryKey", t.Name)
	}
	for name, fields := range t.Indexes {
		if len(fields) == 0 {
			return fmt.Errorf("table %s: index %s has no fields", t.Name, name)
		}
	}
	return nil
}
