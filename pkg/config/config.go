// Package config provides a reusable loader for secretgroup host
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"secretgroup/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a secretgroup host
// process. It mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Actor struct {
		// IdentityFile is where the actor's long-term Ed25519 key pair is
		// persisted between runs.
		IdentityFile string `mapstructure:"identity_file" json:"identity_file"`
		// OneTimePreKeyCount is the default number of one-time pre-keys
		// `actor create` publishes; nothing replenishes them afterwards.
		OneTimePreKeyCount int `mapstructure:"one_time_prekey_count" json:"one_time_prekey_count"`
	} `mapstructure:"actor" json:"actor"`

	Orderer struct {
		// PendingCapPerPeer bounds how many not-yet-ready operations the
		// orderer buffers per peer pair before the host must apply
		// back-pressure (spec §5).
		PendingCapPerPeer int `mapstructure:"pending_cap_per_peer" json:"pending_cap_per_peer"`
	} `mapstructure:"orderer" json:"orderer"`

	Encryption struct {
		// SkippedKeyWindow is the configured size of the out-of-order
		// message-key window. The coordinator does not pass it to the
		// encryption package, which uses its own default of 1024 keys
		// shared by all senders of the current epoch.
		SkippedKeyWindow int `mapstructure:"skipped_key_window" json:"skipped_key_window"`
	} `mapstructure:"encryption" json:"encryption"`

	RNG struct {
		// Deterministic switches the RNG to a seedable, reproducible
		// source for test and simulation runs.
		Deterministic bool   `mapstructure:"deterministic" json:"deterministic"`
		Seed          string `mapstructure:"seed" json:"seed"`
	} `mapstructure:"rng" json:"rng"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SECRETGROUP_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SECRETGROUP_ENV", ""))
}

// Defaults returns a Config populated with sane defaults for actors that do
// not load a YAML file (e.g. library embedding, tests).
func Defaults() Config {
	var c Config
	c.Actor.OneTimePreKeyCount = 32
	c.Orderer.PendingCapPerPeer = 128
	c.Encryption.SkippedKeyWindow = 1024
	c.Logging.Level = "info"
	return c
}
