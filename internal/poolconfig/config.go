// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package poolconfig loads a pgpool.Config from flags, environment
// variables, and an optional config file, using spf13/viper the way
// viperutil.LoadConfig does in the teacher repo, collapsed into a single
// load-once function: pgpoolctl manages exactly one pool with one
// pgpool.Config, so it has no need of the teacher's static/dynamic dual
// registry built for live reload across many services' flags.
package poolconfig

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/multigres/pgpool/pgpool"
)

// Settings is the subset of pgpool.Config that can be supplied via flags,
// environment variables, or a config file.
type Settings struct {
	DSN      string `mapstructure:"dsn"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	MaxActive                int           `mapstructure:"max-active"`
	MaxIdle                  int           `mapstructure:"max-idle"`
	MaxCheckoutTime          time.Duration `mapstructure:"max-checkout-time"`
	TimeToWait               time.Duration `mapstructure:"time-to-wait"`
	MaxLocalBadConnTolerance int           `mapstructure:"max-local-bad-conn-tolerance"`

	PingQuery                 string        `mapstructure:"ping-query"`
	PingEnabled               bool          `mapstructure:"ping-enabled"`
	PingConnectionsNotUsedFor time.Duration `mapstructure:"ping-connections-not-used-for"`

	AutoCommit bool `mapstructure:"auto-commit"`
}

// RegisterFlags installs the flags poolconfig.Load reads, mirroring
// ViperConfig.RegisterFlags's pattern of binding every flag into viper by
// name.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("dsn", "", "libpq-style connection string for the backing Postgres instance.")
	fs.String("username", "", "default username used for connections, absent a per-checkout override.")
	fs.String("password", "", "default password used for connections, absent a per-checkout override.")

	fs.Int("max-active", 10, "maximum number of connections checked out at once.")
	fs.Int("max-idle", 5, "maximum number of idle connections kept for reuse.")
	fs.Duration("max-checkout-time", 20*time.Second, "how long a connection may stay checked out before it becomes reclaimable.")
	fs.Duration("time-to-wait", 20*time.Second, "how long a single Acquire wait iteration blocks before re-evaluating pool state.")
	fs.Int("max-local-bad-conn-tolerance", 3, "bad connections a single Acquire call tolerates on top of max-idle before giving up.")

	fs.String("ping-query", "SELECT 1", "statement executed to validate a connection's liveness.")
	fs.Bool("ping-enabled", false, "validate connections with ping-query before handing them out.")
	fs.Duration("ping-connections-not-used-for", 0, "skip the liveness probe for connections used more recently than this.")

	fs.Bool("auto-commit", true, "whether connections are assumed to be in autocommit mode.")
}

// Load reads Settings from fs, the environment (prefixed PGPOOL_), and
// configFile if non-empty, with viper's precedence: a flag set on the
// command line, then the environment, then the config file, then flag
// defaults. No config-path search is made; only configFile is read.
func Load(fs *pflag.FlagSet, configFile string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("PGPOOL")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Settings{}, fmt.Errorf("poolconfig: bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Settings{}, fmt.Errorf("poolconfig: read config: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("poolconfig: unmarshal: %w", err)
	}
	return s, nil
}

// PoolConfig converts Settings into a pgpool.Config, leaving Logger unset
// so NewPool falls back to slog.Default().
func (s Settings) PoolConfig() pgpool.Config {
	return pgpool.Config{
		DSN:                       s.DSN,
		Username:                  s.Username,
		Password:                  s.Password,
		MaxActive:                 s.MaxActive,
		MaxIdle:                   s.MaxIdle,
		MaxCheckoutTime:           s.MaxCheckoutTime,
		TimeToWait:                s.TimeToWait,
		MaxLocalBadConnTolerance:  s.MaxLocalBadConnTolerance,
		PingQuery:                 s.PingQuery,
		PingEnabled:               s.PingEnabled,
		PingConnectionsNotUsedFor: s.PingConnectionsNotUsedFor,
		AutoCommit:                s.AutoCommit,
	}
}
