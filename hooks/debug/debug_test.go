// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/packets"
)

func newHook(t *testing.T, opts *Options) (*Hook, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := new(Hook)
	h.SetOpts(log, nil)
	require.NoError(t, h.Init(opts))
	return h, buf
}

func TestID(t *testing.T) {
	require.Equal(t, "debug", new(Hook).ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnPacketRead))
	require.True(t, h.Provides(mqtt.OnQosPublish))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
	require.False(t, h.Provides(mqtt.OnACLCheck))
	require.False(t, h.Provides(mqtt.StoredSessions))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestOnPacketReadHidesPings(t *testing.T) {
	h, buf := newHook(t, nil)
	cl := &mqtt.Client{ID: "zen"}

	pk, err := h.OnPacketRead(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	require.NoError(t, err)
	require.Equal(t, packets.Pingreq, pk.FixedHeader.Type)
	require.NotContains(t, buf.String(), "PINGREQ")

	h.config.ShowPings = true
	_, _ = h.OnPacketRead(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	require.Contains(t, buf.String(), "PINGREQ << zen")
}

func TestOnPacketSent(t *testing.T) {
	h, buf := newHook(t, nil)
	h.OnPacketSent(&mqtt.Client{ID: "zen"}, packets.NewPublish("a/b", []byte("hello"), 1, false), nil)
	require.Contains(t, buf.String(), "PUBLISH >> zen")
	require.Contains(t, buf.String(), "topic:a/b")
}

func TestPacketMetaPasswords(t *testing.T) {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ClientIdentifier: "zen",
			Username:         []byte("mochi"),
			Password:         []byte("melon"),
			WillFlag:         true,
			WillTopic:        "will",
		},
	}

	h, _ := newHook(t, nil)
	m := h.packetMeta(pk)
	require.Equal(t, "zen", m["id"])
	require.Equal(t, "will", m["will_topic"])
	require.NotContains(t, m, "password")
	require.NotContains(t, m, "packet")

	h, _ = newHook(t, &Options{ShowPasswords: true, ShowPacketData: true})
	m = h.packetMeta(pk)
	require.Equal(t, "melon", m["password"])
	require.Contains(t, m, "packet")
}

func TestPacketMetaTypes(t *testing.T) {
	h, _ := newHook(t, nil)

	m := h.packetMeta(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
		PacketID:    3,
		Filters:     packets.Subscriptions{{Filter: "a/#", Qos: 1}},
	})
	require.Equal(t, map[string]int{"a/#": 1}, m["filters"])

	m = h.packetMeta(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		ReturnCodes: []byte{0, 0x80},
	})
	require.Equal(t, []int{0, 0x80}, m["return_codes"])

	m = h.packetMeta(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel}, PacketID: 9})
	require.Equal(t, uint16(9), m["id"])

	m = h.packetMeta(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Connack}, ReturnCode: 5})
	require.Equal(t, 5, m["return_code"])
}

func TestQosEvents(t *testing.T) {
	h, buf := newHook(t, nil)
	h.OnQosPublish("zen", mqtt.StoredMessage{PacketID: 1, Packet: packets.NewPublish("a", nil, 1, false)})
	h.OnQosComplete("zen", 1)
	h.OnQosDropped("zen", 2)
	h.OnPacketIDExhausted("zen", packets.NewPublish("a", nil, 1, false))
	h.OnPublishDropped("zen", packets.NewPublish("a", nil, 0, false))

	out := buf.String()
	require.Contains(t, out, "inflight out")
	require.Contains(t, out, "inflight complete")
	require.Contains(t, out, "inflight dropped")
	require.Contains(t, out, "packet ids exhausted")
	require.Contains(t, out, "publish dropped")
}

func TestLifecycleEvents(t *testing.T) {
	h, buf := newHook(t, nil)
	cl := &mqtt.Client{ID: "zen"}

	h.OnStarted()
	h.OnSessionEstablished(cl, packets.Packet{})
	h.OnSubscribed(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Subscribe}}, []byte{0})
	h.OnUnsubscribed(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe}})
	h.OnRetainMessage(cl, packets.NewPublish("a", nil, 0, true), 1)
	h.OnWillSent(cl, packets.NewPublish("will", nil, 0, false))
	h.OnDisconnect(cl, errors.New("test"), false)
	h.OnStopped()
	require.NoError(t, h.Stop())

	out := buf.String()
	for _, want := range []string{"OnStarted", "session established", "subscribed", "unsubscribed",
		"retained message", "sent will", "client disconnected", "OnStopped", "Stop"} {
		require.Contains(t, out, want)
	}
}
