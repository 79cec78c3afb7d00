package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/eigerco/kvclient/pkg/kv"
)

var ErrInvalidParameter = errors.New("invalid configuration parameter")

// Config describes how to reach a store through its proxy.
type Config struct {
	StoreName          string        `yaml:"storeName" default:"kvstore"`
	HelperHosts        []string      `yaml:"helperHosts" default:"[\"localhost:5000\"]"`
	ReadZones          []string      `yaml:"readZones"`
	RequestTimeout     time.Duration `yaml:"requestTimeout" default:"5s"`
	SocketOpenTimeout  time.Duration `yaml:"socketOpenTimeout" default:"3s"`
	SocketReadTimeout  time.Duration `yaml:"socketReadTimeout" default:"5s"`
	ConnectionAttempts int           `yaml:"connectionAttempts" default:"3"`
	// FetchTimeout bounds one iterator page fetch; running past it closes the iterator.
	FetchTimeout       time.Duration `yaml:"fetchTimeout" default:"30s"`
	DefaultConsistency string        `yaml:"defaultConsistency" default:"absolute"`
	DefaultDurability  Durability    `yaml:"defaultDurability"`
	Proxy              Proxy         `yaml:"proxy"`
}

// Durability names the sync and ack policies used when a write carries no options.
type Durability struct {
	MasterSync  string `yaml:"masterSync" default:"noSync"`
	ReplicaSync string `yaml:"replicaSync" default:"noSync"`
	ReplicaAck  string `yaml:"replicaAck" default:"all"`
}

// Proxy configures the helper proxy, either one already running at Address
// or one started locally when StartProxy is set.
type Proxy struct {
	StartProxy   bool          `yaml:"startProxy"`
	Address      string        `yaml:"address" default:"localhost:5010"`
	KVClientJar  string        `yaml:"kvclientJar"`
	ProxyHome    string        `yaml:"proxyHome" default:"kvproxy"`
	Security     Security      `yaml:"security"`
	StartTimeout time.Duration `yaml:"startTimeout" default:"10s"`
	JavaPath     string        `yaml:"javaPath" default:"java"`
	LogConfig    string        `yaml:"logConfig"`
}

// Security points the proxy at a security properties file, or lists the
// properties to write into one.
type Security struct {
	File       string            `yaml:"file"`
	Properties map[string]string `yaml:"properties"`
}

// Enabled reports whether the proxy should run with security.
func (s Security) Enabled() bool {
	return s.File != "" || len(s.Properties) > 0
}

// New returns a configuration with every default applied.
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML (or JSON) configuration file. Missing fields take their
// defaults and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(field string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidParameter, field, fmt.Sprintf(format, args...))
}

// Validate reports the first missing or malformed parameter.
func (c *Config) Validate() error {
	switch {
	case c.StoreName == "":
		return invalid("storeName", "missing")
	case len(c.HelperHosts) == 0:
		return invalid("helperHosts", "missing")
	case c.RequestTimeout <= 0:
		return invalid("requestTimeout", "must be positive")
	case c.SocketOpenTimeout <= 0:
		return invalid("socketOpenTimeout", "must be positive")
	case c.SocketReadTimeout <= 0:
		return invalid("socketReadTimeout", "must be positive")
	case c.ConnectionAttempts < 1:
		return invalid("connectionAttempts", "must be at least 1")
	case c.FetchTimeout < 0:
		return invalid("fetchTimeout", "must not be negative")
	}
	for _, h := range c.HelperHosts {
		if h == "" {
			return invalid("helperHosts", "empty host")
		}
	}
	if _, err := c.Consistency(); err != nil {
		return err
	}
	if _, err := c.Durability(); err != nil {
		return err
	}
	return c.Proxy.Validate()
}

// Validate checks the proxy section. Launch parameters are only required
// when the proxy is started locally.
func (p *Proxy) Validate() error {
	if p.Address == "" {
		return invalid("proxy.address", "missing")
	}
	if !p.StartProxy {
		return nil
	}
	switch {
	case p.KVClientJar == "":
		return invalid("proxy.kvclientJar", "missing")
	case p.ProxyHome == "":
		return invalid("proxy.proxyHome", "missing")
	case p.JavaPath == "":
		return invalid("proxy.javaPath", "missing")
	case p.StartTimeout <= 0:
		return invalid("proxy.startTimeout", "must be positive")
	case p.Security.File != "" && len(p.Security.Properties) > 0:
		return invalid("proxy.security", "set either file or properties")
	}
	return nil
}

// Consistency returns the default read consistency.
func (c *Config) Consistency() (kv.Consistency, error) {
	kind, ok := consistencyNames[c.DefaultConsistency]
	if !ok {
		return kv.Consistency{}, invalid("defaultConsistency", "unknown value %q", c.DefaultConsistency)
	}
	return kv.Consistency{Kind: kind}, nil
}

// Durability returns the default write durability.
func (c *Config) Durability() (kv.Durability, error) {
	d := c.DefaultDurability
	master, ok := syncPolicyNames[d.MasterSync]
	if !ok {
		return kv.Durability{}, invalid("defaultDurability.masterSync", "unknown value %q", d.MasterSync)
	}
	replica, ok := syncPolicyNames[d.ReplicaSync]
	if !ok {
		return kv.Durability{}, invalid("defaultDurability.replicaSync", "unknown value %q", d.ReplicaSync)
	}
	ack, ok := replicaAckNames[d.ReplicaAck]
	if !ok {
		return kv.Durability{}, invalid("defaultDurability.replicaAck", "unknown value %q", d.ReplicaAck)
	}
	return kv.NewDurability(master, replica, ack), nil
}

var consistencyNames = map[string]kv.ConsistencyKind{
	"absolute":             kv.ConsistencyAbsolute,
	"noneRequired":         kv.ConsistencyNoneRequired,
	"noneRequiredNoMaster": kv.ConsistencyNoneRequiredNoMaster,
}

var syncPolicyNames = map[string]kv.SyncPolicy{
	"sync":        kv.SyncPolicySync,
	"noSync":      kv.SyncPolicyNoSync,
	"writeNoSync": kv.SyncPolicyWriteNoSync,
}

var replicaAckNames = map[string]kv.ReplicaAckPolicy{
	"all":            kv.ReplicaAckAll,
	"none":           kv.ReplicaAckNone,
	"simpleMajority": kv.ReplicaAckSimpleMajority,
}
