// Package config holds the replogd configuration file format.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"replog/internal/logger"
)

// Duration is a time.Duration that decodes from strings such as "50ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Storage configures the bbolt backend and the executor running lane workers.
type Storage struct {
	Path string `toml:"path"`
	// Executor is "pool" or "inline".
	Executor    string   `toml:"executor"`
	Workers     int      `toml:"workers"`
	NoGrowSync  bool     `toml:"no-grow-sync"`
	OpenTimeout Duration `toml:"open-timeout"`
}

// Replication configures the leader and follower engines.
type Replication struct {
	WaitForSync         bool     `toml:"wait-for-sync"`
	MaxBatchEntries     int      `toml:"max-batch-entries"`
	RPCTimeout          Duration `toml:"rpc-timeout"`
	RetryBackoffBase    Duration `toml:"retry-backoff-base"`
	MaxRetryBackoff     Duration `toml:"max-retry-backoff"`
	CompactionThreshold uint64   `toml:"compaction-threshold"`
}

// Server configures the listening addresses.
type Server struct {
	BindAddress    string `toml:"bind-address"`
	MetricsAddress string `toml:"metrics-address"`
}

// Config is the root of the configuration file.
type Config struct {
	Logging     logger.Config `toml:"logging"`
	Storage     Storage       `toml:"storage"`
	Replication Replication   `toml:"replication"`
	Server      Server        `toml:"server"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logging: logger.NewConfig(),
		Storage: Storage{
			Path:        "./data/replog.db",
			Executor:    "pool",
			Workers:     4,
			OpenTimeout: Duration(time.Second),
		},
		Replication: Replication{
			MaxBatchEntries:     500,
			RPCTimeout:          Duration(50 * time.Millisecond),
			RetryBackoffBase:    Duration(10 * time.Millisecond),
			MaxRetryBackoff:     Duration(100 * time.Millisecond),
			CompactionThreshold: 1000,
		},
		Server: Server{
			BindAddress:    "localhost:50051",
			MetricsAddress: "localhost:9105",
		},
	}
}

// Load decodes the file at path on top of the defaults.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return c, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return c, c.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Storage.Executor {
	case "pool":
		if c.Storage.Workers < 1 {
			return fmt.Errorf("storage.workers must be positive for the pool executor, got %d", c.Storage.Workers)
		}
	case "inline":
	default:
		return fmt.Errorf("storage.executor must be pool or inline, got %q", c.Storage.Executor)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must be set")
	}
	if c.Replication.MaxBatchEntries < 1 {
		return fmt.Errorf("replication.max-batch-entries must be positive, got %d", c.Replication.MaxBatchEntries)
	}
	for name, d := range map[string]Duration{
		"replication.rpc-timeout":        c.Replication.RPCTimeout,
		"replication.retry-backoff-base": c.Replication.RetryBackoffBase,
		"replication.max-retry-backoff":  c.Replication.MaxRetryBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Replication.MaxRetryBackoff < c.Replication.RetryBackoffBase {
		return errors.New("replication.max-retry-backoff must not be below replication.retry-backoff-base")
	}
	if c.Replication.CompactionThreshold == 0 {
		return errors.New("replication.compaction-threshold must be positive")
	}
	return nil
}
