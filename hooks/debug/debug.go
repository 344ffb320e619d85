// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package debug provides a hook which traces packets and qos flows through
// the server logger.
package debug

import (
	"bytes"
	"log/slog"
	"strings"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/packets"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
}

// Hook is a debugging hook which logs additional low-level information from the server.
type Hook struct {
	mqtt.HookBase
	config *Options
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides every tracing method. It does
// not take part in authentication or storage.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnStarted,
		mqtt.OnStopped,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnPacketRead,
		mqtt.OnPacketSent,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnPublishDropped,
		mqtt.OnRetainMessage,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnPacketIDExhausted,
		mqtt.OnWillSent,
	}, []byte{b})
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.HookBase.SetOpts(l, opts)
	h.Log.Debug("debug hook", "method", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("debug hook", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("debug hook", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("debug hook", "method", "OnStopped")
}

// OnSessionEstablished is called when a client has connected and its session is ready.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Debug("session established", "client", cl.ID, "clean", pk.Connect.Clean, "remote", cl.Net.Remote)
}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.Log.Debug("client disconnected", "client", cl.ID, "error", err, "expire", expire)
}

func (h *Hook) skip(pk packets.Packet) bool {
	return !h.config.ShowPings && (pk.FixedHeader.Type == packets.Pingreq || pk.FixedHeader.Type == packets.Pingresp)
}

// OnPacketRead is called when a new packet is received from a client.
func (h *Hook) OnPacketRead(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !h.skip(pk) {
		h.Log.Debug(strings.ToUpper(packets.Names[pk.FixedHeader.Type])+" << "+cl.ID, "m", h.packetMeta(pk))
	}

	return pk, nil
}

// OnPacketSent is called when a packet is sent to a client.
func (h *Hook) OnPacketSent(cl *mqtt.Client, pk packets.Packet, b []byte) {
	if !h.skip(pk) {
		h.Log.Debug(strings.ToUpper(packets.Names[pk.FixedHeader.Type])+" >> "+cl.ID, "m", h.packetMeta(pk))
	}
}

// OnSubscribed is called when a client subscribes to one or more filters.
func (h *Hook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, returnCodes []byte) {
	h.Log.Debug("subscribed", "client", cl.ID, "m", h.packetMeta(pk), "return_codes", returnCodes)
}

// OnUnsubscribed is called when a client unsubscribes from one or more filters.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Debug("unsubscribed", "client", cl.ID, "m", h.packetMeta(pk))
}

// OnPublishDropped is called when a message to a session is dropped.
func (h *Hook) OnPublishDropped(session string, pk packets.Packet) {
	h.Log.Debug("publish dropped", "session", session, "m", h.packetMeta(pk))
}

// OnRetainMessage is called when a published message is retained (or retain deleted/modified).
func (h *Hook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	h.Log.Debug("retained message on topic", "m", h.packetMeta(pk), "result", r)
}

// OnQosPublish is called when a qos message is stored or re-sent.
func (h *Hook) OnQosPublish(session string, msg mqtt.StoredMessage) {
	h.Log.Debug("inflight out", "session", session, "status", msg.Status.String(), "resends", msg.Resends, "m", h.packetMeta(msg.Packet))
}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *Hook) OnQosComplete(session string, id uint16) {
	h.Log.Debug("inflight complete", "session", session, "id", id)
}

// OnQosDropped is called when the qos flow for a message is abandoned.
func (h *Hook) OnQosDropped(session string, id uint16) {
	h.Log.Debug("inflight dropped", "session", session, "id", id)
}

// OnPacketIDExhausted is called when a session has no free packet ids.
func (h *Hook) OnPacketIDExhausted(session string, pk packets.Packet) {
	h.Log.Debug("packet ids exhausted", "session", session, "m", h.packetMeta(pk))
}

// OnWillSent is called when a will message has been issued from a disconnecting client.
func (h *Hook) OnWillSent(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Debug("sent will for client", "method", "OnWillSent", "client", cl.ID, "topic", pk.TopicName)
}

// packetMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) map[string]any {
	m := map[string]any{}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		m["id"] = pk.Connect.ClientIdentifier
		m["clean"] = pk.Connect.Clean
		m["keepalive"] = pk.Connect.Keepalive
		m["version"] = pk.Connect.ProtocolVersion
		m["username"] = string(pk.Connect.Username)
		if h.config.ShowPasswords {
			m["password"] = string(pk.Connect.Password)
		}
		if pk.Connect.WillFlag {
			m["will_topic"] = pk.Connect.WillTopic
			m["will_payload"] = string(pk.Connect.WillPayload)
		}
	case packets.Publish:
		m["topic"] = pk.TopicName
		m["payload"] = string(pk.Payload)
		m["qos"] = pk.FixedHeader.Qos
		m["retain"] = pk.FixedHeader.Retain
		m["dup"] = pk.FixedHeader.Dup
		m["id"] = pk.PacketID
	case packets.Connack:
		m["session_present"] = pk.SessionPresent
		m["return_code"] = int(pk.ReturnCode)
	case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp, packets.Unsuback:
		m["id"] = pk.PacketID
	case packets.Subscribe:
		f := map[string]int{}
		for _, v := range pk.Filters {
			f[v.Filter] = int(v.Qos)
		}
		m["id"] = pk.PacketID
		m["filters"] = f
	case packets.Unsubscribe:
		f := []string{}
		for _, v := range pk.Filters {
			f = append(f, v.Filter)
		}
		m["id"] = pk.PacketID
		m["filters"] = f
	case packets.Suback:
		r := []int{}
		for _, v := range pk.ReturnCodes {
			r = append(r, int(v))
		}
		m["id"] = pk.PacketID
		m["return_codes"] = r
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}
