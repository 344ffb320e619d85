// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config builds server options from YAML or JSON configuration data.
package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/hooks/auth"
	"github.com/mochi-mqtt/mqtt311/hooks/debug"
	"github.com/mochi-mqtt/mqtt311/hooks/storage/redis"
	"github.com/mochi-mqtt/mqtt311/listeners"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options     mqtt.Options
	Listeners   []listeners.Config `yaml:"listeners" json:"listeners"`
	HookConfigs HookConfigs        `yaml:"hooks" json:"hooks"`
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Auth    *HookAuthConfig    `yaml:"auth" json:"auth"`
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
}

// HookAuthConfig contains configurations for the auth hook.
type HookAuthConfig struct {
	Ledger   auth.Ledger `yaml:"ledger" json:"ledger"`
	AllowAll bool        `yaml:"allow_all" json:"allow_all"`
}

// HookStorageConfig contains configurations for the storage hooks.
type HookStorageConfig struct {
	Redis *redis.Options `yaml:"redis" json:"redis"`
}

// ToHooks converts hook configurations into hooks to be added to the server.
// Auth hooks come first so they are consulted before any storage hook.
func (hc HookConfigs) ToHooks() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig

	if hc.Auth != nil {
		hlc = append(hlc, hc.toHookAuth())
	}

	if hc.Storage != nil && hc.Storage.Redis != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		})
	}

	if hc.Debug != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	return hlc
}

// toHookAuth converts the auth configuration into an allow-all or ledger hook.
func (hc HookConfigs) toHookAuth() mqtt.HookLoadConfig {
	if hc.Auth.AllowAll {
		return mqtt.HookLoadConfig{
			Hook: new(auth.AllowHook),
		}
	}

	return mqtt.HookLoadConfig{
		Hook: new(auth.Hook),
		Config: &auth.Options{
			Ledger: &auth.Ledger{ // avoid copying sync.Locker
				Users: hc.Auth.Ledger.Users,
				Auth:  hc.Auth.Ledger.Auth,
				ACL:   hc.Auth.Ledger.ACL,
			},
		},
	}
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid server options value.
// Data beginning with { is read as JSON. Empty data returns nil options.
func FromBytes(b []byte) (*mqtt.Options, error) {
	if len(b) == 0 {
		return nil, nil
	}

	c := new(config)
	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Listeners = c.Listeners

	return &o, nil
}
