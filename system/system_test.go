// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	o := &Info{
		Version:             "version",
		Started:             1,
		Time:                2,
		Uptime:              3,
		BytesReceived:       4,
		BytesSent:           5,
		ClientsConnected:    6,
		ClientsMaximum:      7,
		ClientsTotal:        8,
		ClientsDisconnected: 9,
		MessagesReceived:    10,
		MessagesSent:        11,
		MessagesDropped:     20,
		Retained:            12,
		Inflight:            13,
		InflightDropped:     14,
		Subscriptions:       15,
		PacketsReceived:     16,
		PacketsSent:         17,
		MemoryAlloc:         18,
		Threads:             19,
	}

	n := o.Clone()

	require.Equal(t, o, n)
}

func TestRegisterPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := &Info{Version: "1.2.3", ClientsConnected: 3, BytesReceived: 99}
	o.RegisterPrometheusMetrics(reg)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range mfs {
		m := mf.GetMetric()[0]
		switch {
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		}
	}

	require.Equal(t, float64(3), values["mqtt_clients_connected"])
	require.Equal(t, float64(99), values["mqtt_bytes_received"])
	require.Equal(t, float64(1), values["mqtt_build_info"])
}

func TestRegisterPrometheusMetricsTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := new(Info)
	o.RegisterPrometheusMetrics(reg)
	require.Panics(t, func() {
		o.RegisterPrometheusMetrics(reg)
	})
}
