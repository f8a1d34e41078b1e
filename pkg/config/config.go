package config

// Package config provides a reusable loader for node configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"autonomi-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an antnode process. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		NetworkID      uint64   `mapstructure:"network_id" json:"network_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		Local          bool     `mapstructure:"local" json:"local"`
		First          bool     `mapstructure:"first" json:"first"`
	} `mapstructure:"network" json:"network"`

	Bootstrap struct {
		CacheDir     string   `mapstructure:"cache_dir" json:"cache_dir"`
		ContactURLs  []string `mapstructure:"contact_urls" json:"contact_urls"`
		MainnetURL   string   `mapstructure:"mainnet_url" json:"mainnet_url"`
		DesiredCount int      `mapstructure:"desired_count" json:"desired_count"`
		HTTPTimeoutS int      `mapstructure:"http_timeout_seconds" json:"http_timeout_seconds"`
	} `mapstructure:"bootstrap" json:"bootstrap"`

	Replication struct {
		Fanout           int `mapstructure:"fanout" json:"fanout"`
		RequestTimeoutMS int `mapstructure:"request_timeout_ms" json:"request_timeout_ms"`
	} `mapstructure:"replication" json:"replication"`

	Quote struct {
		RetryFailed int `mapstructure:"retry_failed" json:"retry_failed"`
	} `mapstructure:"quote" json:"quote"`

	Storage struct {
		DataDir    string `mapstructure:"data_dir" json:"data_dir"`
		ArchiveDir string `mapstructure:"archive_dir" json:"archive_dir"`
		MaxEntries int    `mapstructure:"max_entries" json:"max_entries"`
	} `mapstructure:"storage" json:"storage"`

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

	viper.SetEnvPrefix("ANT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up from ANT_*

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ANT_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ANT_ENV", ""))
}
