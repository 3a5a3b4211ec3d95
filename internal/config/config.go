// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the back office daemon configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config is the daemon configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Queue         QueueConfig         `yaml:"queue"`
	Sync          SyncConfig          `yaml:"sync"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Bus           BusConfig           `yaml:"bus"`
	Connectivity  ConnectivityConfig  `yaml:"connectivity"`
	HTTP          HTTPConfig          `yaml:"http"`

	// Logging is a loggo configuration string such as
	// "<root>=INFO;backoffice.syncer=DEBUG".
	Logging string `yaml:"logging"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Kind     string `yaml:"kind"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// QueueConfig configures the local durable queue. An empty path keeps the
// queue in memory, losing it on restart.
type QueueConfig struct {
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	RetryAttempts int           `yaml:"retry-attempts"`
	RetryDelay    time.Duration `yaml:"retry-delay"`
	MaxRetryDelay time.Duration `yaml:"max-retry-delay"`
	// ForceInterval is how often the daemon forces a queue drain. Zero
	// disables it.
	ForceInterval time.Duration `yaml:"force-interval"`
}

// SubscriptionsConfig tunes the subscription manager.
type SubscriptionsConfig struct {
	RetryDelay    time.Duration `yaml:"retry-delay"`
	MaxRetryDelay time.Duration `yaml:"max-retry-delay"`
	CacheTTL      time.Duration `yaml:"cache-ttl"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	Debounce             time.Duration `yaml:"debounce"`
	DebouncedCollections []string      `yaml:"debounced-collections"`
}

// ConnectivityConfig tunes the connectivity monitor.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe-interval"`
	ProbeTimeout  time.Duration `yaml:"probe-timeout"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Listen       string   `yaml:"listen"`
	AllowOrigins []string `yaml:"allow-origins"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Kind:     StoreMongo,
			URI:      "mongodb://localhost:27017/?replicaSet=rs0",
			Database: "backoffice",
		},
		Queue: QueueConfig{
			Path:     "backoffice-queue.db",
			Capacity: 500,
		},
		Sync: SyncConfig{
			RetryAttempts: 3,
			RetryDelay:    250 * time.Millisecond,
			MaxRetryDelay: 5 * time.Second,
			ForceInterval: time.Minute,
		},
		Subscriptions: SubscriptionsConfig{
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
			CacheTTL:      30 * time.Second,
		},
		Bus: BusConfig{
			Debounce:             500 * time.Millisecond,
			DebouncedCollections: []string{"sales", "inventory"},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen: ":1414",
		},
		Logging: "<root>=INFO",
	}
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(r io.Reader) (Config, error) {
	config := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && err != io.EOF {
		return Config{}, errors.Annotate(err, "decoding config")
	}
	return config, nil
}

// Read parses the named file. A missing file yields the defaults.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	} else if err != nil {
		return Config{}, errors.Trace(err)
	}
	config, err := Parse(bytes.NewReader(data))
	return config, errors.Annotatef(err, "reading %q", path)
}

// Environment variables overriding the file.
const (
	EnvStoreURI      = "BACKOFFICE_STORE_URI"
	EnvStoreDatabase = "BACKOFFICE_STORE_DATABASE"
	EnvQueuePath     = "BACKOFFICE_QUEUE_PATH"
	EnvHTTPListen    = "BACKOFFICE_HTTP_LISTEN"
	EnvLogging       = "BACKOFFICE_LOGGING"
)

// ApplyEnv overrides settings from the environment, as seen through
// lookup.
func (config *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for env, field := range map[string]*string{
		EnvStoreURI:      &config.Store.URI,
		EnvStoreDatabase: &config.Store.Database,
		EnvQueuePath:     &config.Queue.Path,
		EnvHTTPListen:    &config.HTTP.Listen,
		EnvLogging:       &config.Logging,
	} {
		if v, ok := lookup(env); ok {
			*field = v
		}
	}
}

// Validate returns an error if the configuration cannot be used.
func (config Config) Validate() error {
	switch config.Store.Kind {
	case StoreMongo:
		if config.Store.URI == "" {
			return errors.NotValidf("mongo store without uri")
		}
		if config.Store.Database == "" {
			return errors.NotValidf("mongo store without database")
		}
	case StoreMemory:
	default:
		return errors.NotValidf("store kind %q", config.Store.Kind)
	}
	if config.Queue.Capacity <= 0 {
		return errors.NotValidf("queue capacity %d", config.Queue.Capacity)
	}
	if config.Sync.RetryAttempts <= 0 {
		return errors.NotValidf("sync retry-attempts %d", config.Sync.RetryAttempts)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"sync retry-delay", config.Sync.RetryDelay},
		{"sync max-retry-delay", config.Sync.MaxRetryDelay},
		{"subscriptions retry-delay", config.Subscriptions.RetryDelay},
		{"subscriptions max-retry-delay", config.Subscriptions.MaxRetryDelay},
		{"connectivity probe-interval", config.Connectivity.ProbeInterval},
	} {
		if d.value <= 0 {
			return errors.NotValidf("%s %v", d.name, d.value)
		}
	}
	if config.Sync.ForceInterval < 0 || config.Subscriptions.CacheTTL < 0 || config.Bus.Debounce < 0 {
		return errors.NotValidf("negative duration")
	}
	if dupes := duplicates(config.Bus.DebouncedCollections); len(dupes) > 0 {
		return errors.NotValidf("debounced collections listed twice %v", dupes)
	}
	if config.HTTP.Listen == "" {
		return errors.NotValidf("empty http listen address")
	}
	return nil
}

func duplicates(names []string) []string {
	seen := set.NewStrings()
	dupes := set.NewStrings()
	for _, n := range names {
		if seen.Contains(n) {
			dupes.Add(n)
		}
		seen.Add(n)
	}
	return dupes.SortedValues()
}
