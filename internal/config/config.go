/*
Package config loads locker's process-wide configuration parameters:
W, the sweep and replication intervals, the default lease length and
client timeout, and the initial master/replica sets. Loading layers a
YAML file read through github.com/spf13/viper, overridable by
LOCKER_-prefixed environment variables and command-line flags bound
via github.com/spf13/pflag.
*/
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved process configuration.
type Config struct {
	NodeID   string   `mapstructure:"node_id"`
	ListenAddr string `mapstructure:"listen_addr"`
	Masters  []string `mapstructure:"masters"`
	Replicas []string `mapstructure:"replicas"`
	W        int      `mapstructure:"w"`

	LeaseExpireInterval time.Duration `mapstructure:"lease_expire_interval"`
	LockExpireInterval  time.Duration `mapstructure:"lock_expire_interval"`
	PushTransInterval   time.Duration `mapstructure:"push_trans_interval"`

	DefaultLease   time.Duration `mapstructure:"default_lease"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	StatsdAddr   string `mapstructure:"statsd_addr"`
	StatsdPrefix string `mapstructure:"statsd_prefix"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":7070")
	v.SetDefault("w", 1)
	v.SetDefault("lease_expire_interval", 500*time.Millisecond)
	v.SetDefault("lock_expire_interval", 500*time.Millisecond)
	v.SetDefault("push_trans_interval", 1*time.Second)
	v.SetDefault("default_lease", 60*time.Second)
	v.SetDefault("default_timeout", 2*time.Second)
	v.SetDefault("statsd_prefix", "locker")
}

// Load resolves configuration from, in ascending priority: built-in
// defaults, a YAML file at path (if non-empty and present), LOCKER_
// environment variables, and already-parsed flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("LOCKER")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	if cfg.W < 1 || cfg.W > len(cfg.Masters) {
		return nil, fmt.Errorf("invalid quorum w=%d for %d masters", cfg.W, len(cfg.Masters))
	}
	return &cfg, nil
}
