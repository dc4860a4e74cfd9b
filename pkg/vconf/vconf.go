// Package vconf loads and persists voluta's mount configuration: the
// volume/mountpoint pairing and ambient settings a `voluta mount`
// invocation needs, read the same way the teacher's own CLI tooling
// layers a YAML/TOML file under viper with a struct of sane defaults.
package vconf

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io/ioutil"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/voluta-fs/voluta/pkg/elog"
)

const configFileName = "voluta"

// Config is the persisted shape of a mount's configuration.
type Config struct {
	Volume     string `yaml:"volume,omitempty"`
	MountPoint string `yaml:"mountpoint,omitempty"`
	CtlSock    string `yaml:"ctlsock,omitempty"`
	LogLevel   string `yaml:"log_level,omitempty"`
	Debug      bool   `yaml:"debug,omitempty"`
	AllowOther bool   `yaml:"allow_other,omitempty"`
}

// Defaults returns a Config with every field set to its out-of-the-box
// value.
func Defaults() Config {
	return Config{
		CtlSock:  defaultCtlSockPath(),
		LogLevel: "info",
	}
}

func defaultCtlSockPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "/tmp/voluta.sock"
	}
	return filepath.Join(home, ".voluta.sock")
}

// Load reads configuration from cfgFile if given, otherwise from
// $HOME/voluta.{yaml,yml}, falling back to Defaults when neither exists
// or fails to parse.
func Load(cfgFile string, log elog.Logger) Config {
	cfg := Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := homedir.Dir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(configFileName)
	}
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Debugf("vconf: %v, using defaults", err)
		return cfg
	}
	log.Debugf("vconf: using config file %s", viper.ConfigFileUsed())

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Warnf("vconf: failed to parse config: %v", err)
		return Defaults()
	}
	return cfg
}

// Save writes cfg to path as YAML, for `voluta mount` to remember the
// volume/mountpoint pairing it was invoked with.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0600)
}
