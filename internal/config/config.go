// Package config loads and persists daemon configuration. Settings
// come from flags, a config file, and the environment, layered by
// viper the same way the rest of the pack's daemons do. Save writes the
// daemon's persisted files with the write-temp-fsync-rename discipline
// from the original atomic file helpers, so a crash mid-write never
// leaves a half-written file for the next start to trip over.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is everything one server needs to join a replicated cluster.
type Config struct {
	// ListenAddress is the address other servers and clients dial.
	ListenAddress string `mapstructure:"listen_address"`

	// DataDir holds every object's working directory and the
	// daemon's own config file.
	DataDir string `mapstructure:"data_dir"`

	// ServerID is this server's own id, one of the ids in Servers.
	ServerID uint64 `mapstructure:"server_id"`

	// Servers lists every server id currently in the cluster.
	Servers []uint64 `mapstructure:"servers"`

	// ChainIndex/ChainLength place this server within a client
	// ownership chain; ChainIndex == ChainLength means "not part
	// of a chain, own no clients", and ChainLength <= 1 (otherwise)
	// means own every client.
	ChainIndex  uint64 `mapstructure:"chain_index"`
	ChainLength uint64 `mapstructure:"chain_length"`

	// FailureTimeout is how long a peer may go unseen before
	// SuspectFailed reports it failed.
	FailureTimeout time.Duration `mapstructure:"failure_timeout"`

	// HistorySize is loaded and defaulted here but is not passed on:
	// the object manager bounds every object's robust-history ledger
	// at robusthistory.DefaultMaxSize regardless of this value.
	HistorySize int `mapstructure:"history_size"`

	// MetricsAddress, if set, serves Prometheus metrics there.
	MetricsAddress string `mapstructure:"metrics_address"`
}

// Default returns a Config with conservative defaults for every field
// a deployment would otherwise have to specify explicitly.
func Default() Config {
	return Config{
		ListenAddress:  "127.0.0.1:1982",
		DataDir:        "/var/lib/replicant",
		ChainIndex:     0,
		ChainLength:    1,
		FailureTimeout: 10 * time.Second,
		HistorySize:    1 << 14,
		MetricsAddress: "127.0.0.1:1983",
	}
}

// Load reads configuration from (in ascending priority) built-in
// defaults, the file at path if it exists, environment variables
// prefixed REPLICANT_, and finally v's own bound flags — mirroring the
// layering the pack's viper-based daemons use.
func Load(path string, v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	def := Default()
	v.SetDefault("listen_address", def.ListenAddress)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("chain_index", def.ChainIndex)
	v.SetDefault("chain_length", def.ChainLength)
	v.SetDefault("failure_timeout", def.FailureTimeout)
	v.SetDefault("history_size", def.HistorySize)
	v.SetDefault("metrics_address", def.MetricsAddress)

	v.SetEnvPrefix("replicant")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, errors.Wrapf(err, "read config %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// Save writes data to path atomically: the new content lands in a
// sibling temp file, is fsynced, then renamed over path, with the
// containing directory fsynced both before and after so the rename is
// durable even across a crash (grounded on the original daemon's
// atomic_write: open O_TRUNC temp, write, fsync file, fsync dir,
// rename, fsync dir again).
func Save(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".atomic.tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}

	if err := fsyncDir(dir); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmp, path)
	}
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "fsync dir %s", dir)
	}
	return nil
}

// ObjectPath builds the on-disk working directory for an object named
// name under this config's DataDir.
func (c Config) ObjectPath(name string) string {
	return filepath.Join(c.DataDir, "objects", name)
}

func (c Config) String() string {
	return fmt.Sprintf("server %d/%d chain=%d/%d listen=%s", c.ServerID, len(c.Servers), c.ChainIndex, c.ChainLength, c.ListenAddress)
}
