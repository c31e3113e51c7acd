// Package config loads replica configuration via viper, the way
// chainmaker-go's localconf module loads node configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ReplicaConfig describes one member of the replica set.
type ReplicaConfig struct {
	ID     uint64 `mapstructure:"id"`
	Addr   string `mapstructure:"addr"`
	PubKey string `mapstructure:"pub_key"`
}

// Config is the full set of tunables for one replica process.
type Config struct {
	// NReplicas is n, the total replica count (n = 3f+1).
	NReplicas uint32 `mapstructure:"nreplicas"`
	// NFaulty is f, the maximum tolerated Byzantine replicas.
	NFaulty uint32 `mapstructure:"nfaulty"`
	// DeltaMillis is Δ, the assumed network-delay bound, in milliseconds.
	DeltaMillis uint32 `mapstructure:"delta_millis"`
	// CommitInterval is the height period at which pre-commit/commit
	// quorums are collected.
	CommitInterval uint64 `mapstructure:"commit_interval"`
	// SelfID is this process's replica ID.
	SelfID uint64 `mapstructure:"self_id"`

	Replicas []ReplicaConfig `mapstructure:"replicas"`

	WALDir  string `mapstructure:"wal_dir"`
	LogPath string `mapstructure:"log_path"`
	LogLvl  string `mapstructure:"log_level"`
}

// Delta returns the configured network-delay bound as a Duration.
func (c *Config) Delta() time.Duration {
	return time.Duration(c.DeltaMillis) * time.Millisecond
}

// NMajority returns the quorum threshold n−f. It is always derived, never
// configured directly: a deployment sets nreplicas/nfaulty and the
// majority size follows.
func (c *Config) NMajority() uint32 {
	return c.NReplicas - c.NFaulty
}

// Validate checks the invariants a replica process needs before it can run.
func (c *Config) Validate() error {
	if c.NReplicas == 0 {
		return fmt.Errorf("config: nreplicas must be > 0")
	}
	if c.NFaulty*3+1 > c.NReplicas {
		return fmt.Errorf("config: nreplicas=%d too small for nfaulty=%d (need n >= 3f+1)", c.NReplicas, c.NFaulty)
	}
	if c.CommitInterval == 0 {
		return fmt.Errorf("config: commit_interval must be > 0")
	}
	if c.DeltaMillis == 0 {
		return fmt.Errorf("config: delta_millis must be > 0")
	}
	return nil
}

// Load reads configuration from the given file path (any format viper
// supports: yaml, json, toml) and environment variable overrides prefixed
// SYNCHS_.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SYNCHS")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("delta_millis", 500)
	v.SetDefault("commit_interval", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("wal_dir", "./wal")
}
