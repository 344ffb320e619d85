// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"

	"github.com/mochi-mqtt/mqtt311/packets"
	"github.com/mochi-mqtt/mqtt311/system"
)

const (
	SubscriptionKey = "SUB" // unique key to denote Subscriptions in a store
	SysInfoKey      = "SYS" // unique key to denote server system information in a store
	RetainedKey     = "RET" // unique key to denote retained messages in a store
	MessageKey      = "MSG" // unique key to denote stored session messages in a store
	SessionKey      = "SES" // unique key to denote sessions in a store
)

var (
	// ErrDBNotOpen indicates that the database connection wasn't open for reading.
	ErrDBNotOpen = errors.New("db not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Session is a storable representation of a persistent client session.
type Session struct {
	Username []byte `json:"username"` // the username the session was last connected with
	ID       string `json:"id"`       // the client id / storage key
	T        string `json:"t"`        // the data type (session)
	Remote   string `json:"remote"`   // the remote address of the last connection
	Listener string `json:"listener"` // the listener the client last connected on
	Clean    bool   `json:"clean"`    // if the client requested a clean session
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Session) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of an MQTT message (specifically publish).
type Message struct {
	Payload     []byte              `json:"payload"`              // the message payload
	T           string              `json:"t,omitempty"`          // the data type
	ID          string              `json:"id,omitempty"`         // the storage key
	Client      string              `json:"client,omitempty"`     // the session the message is stored for
	Origin      string              `json:"origin,omitempty"`     // the id of the client who sent the message
	TopicName   string              `json:"topic_name,omitempty"` // the topic the message was sent to
	FixedHeader packets.FixedHeader `json:"fixedheader"`          // the header properties of the message
	Created     int64               `json:"created,omitempty"`    // the time the message was created in unixtime
	Sent        int64               `json:"sent,omitempty"`       // the last time the message was sent in unixtime
	Resends     int                 `json:"resends,omitempty"`    // the number of times the message was re-sent
	PacketID    uint16              `json:"packet_id,omitempty"`  // the packet id assigned by the session store
	Status      byte                `json:"status,omitempty"`     // pending-send (0) or pending-ack (1)
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ToPacket converts a storage.Message to a standard packet.
func (d *Message) ToPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: d.FixedHeader,
		PacketID:    d.PacketID,
		TopicName:   d.TopicName,
		Payload:     d.Payload,
		Origin:      d.Origin,
		Created:     d.Created,
	}

	// Return a deep copy of the packet data otherwise the slices will
	// continue pointing at the values from the storage packet.
	pk = pk.Copy(true)
	pk.FixedHeader.Dup = d.FixedHeader.Dup

	return pk
}

// Subscription is a storable representation of an MQTT subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty"`
	Client string `json:"client,omitempty"`
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info        // embed the system info struct
	T           string `json:"t"`  // the data type
	ID          string `json:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
