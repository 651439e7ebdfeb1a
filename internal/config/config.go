// Package config loads cryophile's TOML configuration file and applies
// its XDG/etc discovery order.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// RemoteConfig names the object-store connection parameters.
type RemoteConfig struct {
	Provider string `toml:"provider"`
	Endpoint string `toml:"endpoint"`
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool `toml:"path_style"`
	StorageClass string `toml:"storage_class"`
}

// Config is the decoded shape of cryophile.toml.
type Config struct {
	SpoolRoot string `toml:"spool_root"`
	Compression string `toml:"compression"`
	Remote RemoteConfig `toml:"remote"`

	FragmentMax int64 `toml:"fragment_max"`
	IOBuf int `toml:"io_buf"`
	MaxInflight int `toml:"max_inflight"`
	MaxParallelCells int `toml:"max_parallel_cells"`
	MaxInflightDL int `toml:"max_inflight_dl"`
	MaxUploadAttempts int `toml:"max_upload_attempts"`

	PollMaxIntervalSeconds int `toml:"poll_max_interval_seconds"`
	ThawDeadlineSeconds int `toml:"thaw_deadline_seconds"`
	WatchRebaseSeconds int `toml:"watch_rebase_seconds"`
}

// Defaults returns the built-in fragment-size default and reasonable
// concurrency/backoff ceilings for every tunable the config file leaves
// unset.
func Defaults() Config {
	return Config{
		SpoolRoot: "/var/spool/cryophile",
		Compression: "zstd",
		FragmentMax: 5 << 30,
		IOBuf: 256 * 1024,
		MaxInflight: 4,
		MaxParallelCells: 4,
		MaxInflightDL: 4,
		MaxUploadAttempts: 8,
		PollMaxIntervalSeconds: 300,
		ThawDeadlineSeconds: 12 * 3600,
		WatchRebaseSeconds: 30,
	}
}

func (c Config) PollMaxInterval() time.Duration {
	return time.Duration(c.PollMaxIntervalSeconds) * time.Second
}

func (c Config) ThawDeadline() time.Duration {
	return time.Duration(c.ThawDeadlineSeconds) * time.Second
}

func (c Config) WatchRebase() time.Duration {
	return time.Duration(c.WatchRebaseSeconds) * time.Second
}

// mergeDefaults fills any zero-valued tunable in c with its default, so
// a partial TOML file (or no file at all) still yields a usable config.
func mergeDefaults(c Config) Config {
	d := Defaults()
	if c.SpoolRoot == "" {
		c.SpoolRoot = d.SpoolRoot
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.FragmentMax == 0 {
		c.FragmentMax = d.FragmentMax
	}
	if c.IOBuf == 0 {
		c.IOBuf = d.IOBuf
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = d.MaxInflight
	}
	if c.MaxParallelCells == 0 {
		c.MaxParallelCells = d.MaxParallelCells
	}
	if c.MaxInflightDL == 0 {
		c.MaxInflightDL = d.MaxInflightDL
	}
	if c.MaxUploadAttempts == 0 {
		c.MaxUploadAttempts = d.MaxUploadAttempts
	}
	if c.PollMaxIntervalSeconds == 0 {
		c.PollMaxIntervalSeconds = d.PollMaxIntervalSeconds
	}
	if c.ThawDeadlineSeconds == 0 {
		c.ThawDeadlineSeconds = d.ThawDeadlineSeconds
	}
	if c.WatchRebaseSeconds == 0 {
		c.WatchRebaseSeconds = d.WatchRebaseSeconds
	}
	return c
}

// Load resolves and decodes the config file. If explicitPath is
// non-empty, it is the sole source and a missing file is fatal
// (ConfigError). Otherwise discovery tries
// $XDG_CONFIG_HOME/cryophile/cryophile.toml, then
// /etc/cryophile/cryophile.toml; if neither exists, Load returns
// defaults with no error.
func Load(explicitPath string) (Config, error) {
	if explicitPath != "" {
		cfg, err := decodeFile(explicitPath)
		if err != nil {
			return Config{}, cryoerrors.New(cryoerrors.KindConfig, "config.Load", err)
		}
		return mergeDefaults(cfg), nil
	}

	for _, candidate := range discoveryPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		cfg, err := decodeFile(candidate)
		if err != nil {
			return Config{}, cryoerrors.New(cryoerrors.KindConfig, "config.Load", err)
		}
		return mergeDefaults(cfg), nil
	}

	return mergeDefaults(Config{}), nil
}

func decodeFile(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func discoveryPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "cryophile", "cryophile.toml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cryophile", "cryophile.toml"))
	}
	paths = append(paths, filepath.Join("/etc", "cryophile", "cryophile.toml"))
	return paths
}
