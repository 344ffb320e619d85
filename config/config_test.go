// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/hooks/auth"
	"github.com/mochi-mqtt/mqtt311/hooks/debug"
	"github.com/mochi-mqtt/mqtt311/hooks/storage/redis"
	"github.com/mochi-mqtt/mqtt311/listeners"
)

var (
	yamlBytes = []byte(`
listeners:
  - type: "tcp"
    id: "file-tcp1"
    address: ":1883"
hooks:
  auth:
    allow_all: true
options:
  client_net_read_buffer_size: 4096
  inline_client: true
  capabilities:
    maximum_qos: 1
    maximum_connection_rate: 50
`)

	jsonBytes = []byte(`{
   "listeners": [
      {
         "type": "tcp",
         "id": "file-tcp1",
         "address": ":1883"
      }
   ],
   "hooks": {
      "auth": {
         "allow_all": true
      }
   },
   "options": {
      "client_net_read_buffer_size": 4096,
      "inline_client": true,
      "capabilities": {
         "maximum_qos": 1,
         "maximum_connection_rate": 50
      }
   }
}
`)

	parsedOptions = mqtt.Options{
		Listeners: []listeners.Config{
			{
				Type:    listeners.TypeTCP,
				ID:      "file-tcp1",
				Address: ":1883",
			},
		},
		Hooks: []mqtt.HookLoadConfig{
			{
				Hook: new(auth.AllowHook),
			},
		},
		ClientNetReadBufferSize: 4096,
		InlineClient:            true,
		Capabilities: &mqtt.Capabilities{
			MaximumQos:            1,
			MaximumConnectionRate: 50,
		},
	}
)

func TestFromBytesEmpty(t *testing.T) {
	o, err := FromBytes([]byte{})
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesYAMLError(t *testing.T) {
	_, err := FromBytes(append(yamlBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesJSONError(t *testing.T) {
	_, err := FromBytes(append(jsonBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesYAMLDurations(t *testing.T) {
	o, err := FromBytes([]byte(`
options:
  connect_timeout: 5s
  retry_interval: 250ms
  max_retries: 3
`))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, o.ConnectTimeout)
	require.Equal(t, 250*time.Millisecond, o.RetryInterval)
	require.Equal(t, 3, o.MaxRetries)
}

func TestFromBytesAllHooks(t *testing.T) {
	o, err := FromBytes([]byte(`
hooks:
  auth:
    ledger:
      auth:
        - username: peach
          password: password1
          allow: true
  storage:
    redis:
      address: localhost:6379
      h_prefix: mqtt311
  debug:
    show_pings: true
`))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 3)
	require.IsType(t, new(auth.Hook), o.Hooks[0].Hook)
	require.IsType(t, new(redis.Hook), o.Hooks[1].Hook)
	require.Equal(t, "localhost:6379", o.Hooks[1].Config.(*redis.Options).Address)
	require.IsType(t, new(debug.Hook), o.Hooks[2].Hook)
	require.True(t, o.Hooks[2].Config.(*debug.Options).ShowPings)
}

func TestToHookAuthAllowAll(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			AllowAll: true,
		},
	}

	require.Equal(t, mqtt.HookLoadConfig{Hook: new(auth.AllowHook)}, hc.toHookAuth())
}

func TestToHookAuthLedger(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			Ledger: auth.Ledger{
				Auth: auth.AuthRules{
					{Username: "peach", Password: "password1", Allow: true},
				},
			},
		},
	}

	expect := mqtt.HookLoadConfig{
		Hook: new(auth.Hook),
		Config: &auth.Options{
			Ledger: &auth.Ledger{
				Auth: auth.AuthRules{
					{Username: "peach", Password: "password1", Allow: true},
				},
			},
		},
	}
	require.Equal(t, expect, hc.toHookAuth())
}

func TestToHooksEmpty(t *testing.T) {
	require.Empty(t, HookConfigs{}.ToHooks())
	require.Empty(t, HookConfigs{Storage: &HookStorageConfig{}}.ToHooks())
}

func TestFromBytesServer(t *testing.T) {
	o, err := FromBytes([]byte(`
listeners:
  - type: mock
    id: m1
hooks:
  auth:
    allow_all: true
`))
	require.NoError(t, err)

	s := mqtt.New(o)
	require.NoError(t, s.AddHooksFromConfig(o.Hooks))
	require.NoError(t, s.AddListenersFromConfig(o.Listeners))
	_, ok := s.Listeners.Get("m1")
	require.True(t, ok)
}
