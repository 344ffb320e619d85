// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package packets encodes, decodes and validates MQTT 3.1.1 control packets.
package packets

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
)

const (
	// ProtocolName is the only protocol name accepted in CONNECT.
	ProtocolName = "MQTT"

	// ProtocolLevel is the MQTT 3.1.1 protocol level.
	ProtocolLevel byte = 4

	// MaxStringLength is the longest encodable string or binary field.
	MaxStringLength = 65535

	// MaxRemainingLength is the largest remaining length a fixed header can carry.
	MaxRemainingLength = 268435455
)

// Names is a map that provides human-readable names for the different
// MQTT packet types based on their ids.
var Names = map[byte]string{
	0:  "RESERVED",
	1:  "CONNECT",
	2:  "CONNACK",
	3:  "PUBLISH",
	4:  "PUBACK",
	5:  "PUBREC",
	6:  "PUBREL",
	7:  "PUBCOMP",
	8:  "SUBSCRIBE",
	9:  "SUBACK",
	10: "UNSUBSCRIBE",
	11: "UNSUBACK",
	12: "PINGREQ",
	13: "PINGRESP",
	14: "DISCONNECT",
}

// Subscription is a single topic filter and requested maximum qos.
type Subscription struct {
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// Subscriptions is a slice of Subscription.
type Subscriptions []Subscription

// ConnectParams contains the variable header and payload of a CONNECT packet.
type ConnectParams struct {
	WillPayload      []byte `json:"willPayload"`
	Password         []byte `json:"password"`
	Username         []byte `json:"username"`
	ProtocolName     []byte `json:"protocolName"`
	ClientIdentifier string `json:"clientId"`
	WillTopic        string `json:"willTopic"`
	Keepalive        uint16 `json:"keepalive"`
	ProtocolVersion  byte   `json:"protocolVersion"`
	WillQos          byte   `json:"willQos"`
	ReservedBit      byte   `json:"reservedBit"`
	Clean            bool   `json:"clean"`
	WillFlag         bool   `json:"willFlag"`
	WillRetain       bool   `json:"willRetain"`
	UsernameFlag     bool   `json:"usernameFlag"`
	PasswordFlag     bool   `json:"passwordFlag"`
}

// Packet is an MQTT packet. Instead of providing a packet interface and variant
// packet structs, this is a single concrete packet type to cover all packet
// types, which allows us to take advantage of various compiler optimizations.
type Packet struct {
	Connect        ConnectParams // parameters for connect packets (just for organisation)
	Filters        Subscriptions // a list of subscription filters and their qos (subscribe, unsubscribe)
	ReturnCodes    []byte        // granted qos or failure codes (suback)
	Payload        []byte        // a message payload (publish)
	TopicName      string        // the topic a payload is being published to (publish)
	Origin         string        // client id of the client who is issuing the packet (mostly internal use)
	Created        int64         // unix timestamp indicating time packet was created/received on the server
	FixedHeader    FixedHeader   // the fixed header of the packet
	PacketID       uint16        // packet identifier
	ReturnCode     byte          // connack return code
	SessionPresent bool          // connack session present flag
}

// Copy creates a new instance of a packet, with a fresh fixed header. If
// allowTransfer is true, the packet id is retained along with the header flags.
func (pk *Packet) Copy(allowTransfer bool) Packet {
	p := Packet{
		FixedHeader: FixedHeader{
			Type:   pk.FixedHeader.Type,
			Qos:    pk.FixedHeader.Qos,
			Retain: pk.FixedHeader.Retain,
		},
		TopicName:      pk.TopicName,
		Origin:         pk.Origin,
		Created:        pk.Created,
		ReturnCode:     pk.ReturnCode,
		SessionPresent: pk.SessionPresent,
		Connect: ConnectParams{
			ClientIdentifier: pk.Connect.ClientIdentifier,
			WillTopic:        pk.Connect.WillTopic,
			Keepalive:        pk.Connect.Keepalive,
			ProtocolVersion:  pk.Connect.ProtocolVersion,
			WillQos:          pk.Connect.WillQos,
			ReservedBit:      pk.Connect.ReservedBit,
			Clean:            pk.Connect.Clean,
			WillFlag:         pk.Connect.WillFlag,
			WillRetain:       pk.Connect.WillRetain,
			UsernameFlag:     pk.Connect.UsernameFlag,
			PasswordFlag:     pk.Connect.PasswordFlag,
		},
	}

	if allowTransfer {
		p.PacketID = pk.PacketID
		p.FixedHeader.Dup = pk.FixedHeader.Dup
	}

	if len(pk.Payload) > 0 {
		p.Payload = append([]byte{}, pk.Payload...)
	}

	if len(pk.ReturnCodes) > 0 {
		p.ReturnCodes = append([]byte{}, pk.ReturnCodes...)
	}

	if len(pk.Filters) > 0 {
		p.Filters = append(Subscriptions{}, pk.Filters...)
	}

	if len(pk.Connect.WillPayload) > 0 {
		p.Connect.WillPayload = append([]byte{}, pk.Connect.WillPayload...)
	}

	if len(pk.Connect.Username) > 0 {
		p.Connect.Username = append([]byte{}, pk.Connect.Username...)
	}

	if len(pk.Connect.Password) > 0 {
		p.Connect.Password = append([]byte{}, pk.Connect.Password...)
	}

	if len(pk.Connect.ProtocolName) > 0 {
		p.Connect.ProtocolName = append([]byte{}, pk.Connect.ProtocolName...)
	}

	return p
}

// Encode encodes the packet into buf according to its fixed header type.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectEncode(buf)
	case Connack:
		return pk.ConnackEncode(buf)
	case Publish:
		return pk.PublishEncode(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.packetIDEncode(buf)
	case Subscribe:
		return pk.SubscribeEncode(buf)
	case Suback:
		return pk.SubackEncode(buf)
	case Unsubscribe:
		return pk.UnsubscribeEncode(buf)
	case Pingreq, Pingresp, Disconnect:
		return pk.emptyEncode(buf)
	default:
		return ErrMalformedUnknownType
	}
}

// Decode decodes the remaining bytes of a packet whose fixed header has
// already been read.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectDecode(buf)
	case Connack:
		return pk.ConnackDecode(buf)
	case Publish:
		return pk.PublishDecode(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.packetIDDecode(buf)
	case Subscribe:
		return pk.SubscribeDecode(buf)
	case Suback:
		return pk.SubackDecode(buf)
	case Unsubscribe:
		return pk.UnsubscribeDecode(buf)
	case Pingreq, Pingresp, Disconnect:
		if len(buf) > 0 {
			return ErrMalformedPacket
		}
		return nil
	default:
		return ErrMalformedUnknownType
	}
}

// ConnectEncode encodes a connect packet.
func (pk *Packet) ConnectEncode(buf *bytes.Buffer) error {
	protoName := encodeBytes(pk.Connect.ProtocolName)
	flags := encodeBool(pk.Connect.Clean)<<1 | encodeBool(pk.Connect.WillFlag)<<2 | pk.Connect.WillQos<<3 |
		encodeBool(pk.Connect.WillRetain)<<5 | encodeBool(pk.Connect.PasswordFlag)<<6 | encodeBool(pk.Connect.UsernameFlag)<<7 |
		pk.Connect.ReservedBit&1

	var nb bytes.Buffer
	nb.Write(protoName)
	nb.WriteByte(pk.Connect.ProtocolVersion)
	nb.WriteByte(flags)
	nb.Write(encodeUint16(pk.Connect.Keepalive))
	nb.Write(encodeString(pk.Connect.ClientIdentifier))

	if pk.Connect.WillFlag {
		nb.Write(encodeString(pk.Connect.WillTopic))
		nb.Write(encodeBytes(pk.Connect.WillPayload))
	}

	if pk.Connect.UsernameFlag {
		nb.Write(encodeBytes(pk.Connect.Username))
	}

	if pk.Connect.PasswordFlag {
		nb.Write(encodeBytes(pk.Connect.Password))
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())

	return nil
}

// ConnectDecode decodes a connect packet.
func (pk *Packet) ConnectDecode(buf []byte) error {
	var offset int
	var err error

	pk.Connect.ProtocolName, offset, err = decodeBytes(buf, 0)
	if err != nil {
		return ErrMalformedProtocolName
	}

	pk.Connect.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedProtocolVersion
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedFlags
	}

	pk.Connect.ReservedBit = 1 & flags
	pk.Connect.Clean = 1&(flags>>1) > 0
	pk.Connect.WillFlag = 1&(flags>>2) > 0
	pk.Connect.WillQos = 3 & (flags >> 3) // this one is not a bool
	pk.Connect.WillRetain = 1&(flags>>5) > 0
	pk.Connect.PasswordFlag = 1&(flags>>6) > 0
	pk.Connect.UsernameFlag = 1&(flags>>7) > 0

	pk.Connect.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	pk.Connect.ClientIdentifier, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-1] [MQTT-3.1.3-2] [MQTT-3.1.3-3] [MQTT-3.1.3-4]
	if err != nil {
		return ErrMalformedClientID
	}

	if pk.Connect.WillFlag { // [MQTT-3.1.2-7]
		pk.Connect.WillTopic, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-11]
		if err != nil {
			return ErrMalformedWillTopic
		}

		pk.Connect.WillPayload, offset, err = decodeBytes(buf, offset) // [MQTT-3.1.2-9]
		if err != nil {
			return ErrMalformedWillPayload
		}
	}

	if pk.Connect.UsernameFlag { // [MQTT-3.1.3-12]
		var username string
		username, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedUsername
		}
		pk.Connect.Username = []byte(username)
	}

	if pk.Connect.PasswordFlag {
		pk.Connect.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedPassword
		}
	}

	return nil
}

// ConnectValidate ensures the connect packet is compliant. Codes below 0x80
// should be returned to the client in a CONNACK before closing; protocol
// errors close the connection without a CONNACK.
func (pk *Packet) ConnectValidate() Code {
	if !bytes.Equal(pk.Connect.ProtocolName, []byte(ProtocolName)) {
		return ErrProtocolViolationProtocolName
	}

	if pk.Connect.ProtocolVersion != ProtocolLevel { // [MQTT-3.1.2-2]
		return ErrUnsupportedProtocolVersion
	}

	if pk.Connect.ReservedBit != 0 { // [MQTT-3.1.2-3]
		return ErrProtocolViolationReservedBit
	}

	if pk.Connect.PasswordFlag && !pk.Connect.UsernameFlag { // [MQTT-3.1.2-22]
		return ErrProtocolViolationFlagNoUsername
	}

	if len(pk.Connect.Username) > MaxStringLength {
		return ErrProtocolViolationUsernameTooLong
	}

	if len(pk.Connect.Password) > MaxStringLength {
		return ErrProtocolViolationPasswordTooLong
	}

	if !pk.Connect.WillFlag && (pk.Connect.WillQos > 0 || pk.Connect.WillRetain) { // [MQTT-3.1.2-11] [MQTT-3.1.2-13] [MQTT-3.1.2-15]
		return ErrProtocolViolationWillFlagSurplus
	}

	if pk.Connect.WillQos > 2 { // [MQTT-3.1.2-14]
		return ErrProtocolViolationQosOutOfRange
	}

	if pk.Connect.WillFlag && !IsValidTopicName(pk.Connect.WillTopic) {
		return ErrProtocolViolationInvalidTopic
	}

	if len(pk.Connect.ClientIdentifier) > MaxStringLength {
		return ErrClientIdentifierNotValid
	}

	if !pk.Connect.Clean && pk.Connect.ClientIdentifier == "" { // [MQTT-3.1.3-8]
		return ErrClientIdentifierNotValid
	}

	return CodeSuccess
}

// ConnackEncode encodes a Connack packet.
func (pk *Packet) ConnackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent))
	buf.WriteByte(pk.ReturnCode)
	return nil
}

// ConnackDecode decodes a Connack packet.
func (pk *Packet) ConnackDecode(buf []byte) error {
	var offset int
	var err error

	pk.SessionPresent, offset, err = decodeByteBool(buf, 0)
	if err != nil {
		return ErrMalformedSessionPresent
	}

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedReturnCode
	}

	return nil
}

// emptyEncode encodes a packet with no variable header (pingreq, pingresp, disconnect).
func (pk *Packet) emptyEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 0
	pk.FixedHeader.Encode(buf)
	return nil
}

// packetIDEncode encodes a packet consisting only of a packet id
// (puback, pubrec, pubrel, pubcomp, unsuback).
func (pk *Packet) packetIDEncode(buf *bytes.Buffer) error {
	if pk.FixedHeader.Type == Pubrel {
		pk.FixedHeader.Qos = 1 // [MQTT-3.6.1-1]
	}

	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	return nil
}

// packetIDDecode decodes a packet consisting only of a packet id.
func (pk *Packet) packetIDDecode(buf []byte) error {
	if len(buf) != 2 {
		return ErrMalformedPacketID
	}

	pk.PacketID, _, _ = decodeUint16(buf, 0)
	return nil
}

// PublishEncode encodes a Publish packet.
func (pk *Packet) PublishEncode(buf *bytes.Buffer) error {
	topicName := encodeString(pk.TopicName)
	var packetID []byte

	if pk.FixedHeader.Qos > 0 {
		if pk.PacketID == 0 {
			return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
		}
		packetID = encodeUint16(pk.PacketID)
	}

	pk.FixedHeader.Remaining = len(topicName) + len(packetID) + len(pk.Payload)
	pk.FixedHeader.Encode(buf)
	buf.Write(topicName)
	buf.Write(packetID)
	buf.Write(pk.Payload)

	return nil
}

// PublishDecode extracts the data values from the packet.
func (pk *Packet) PublishDecode(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = decodeString(buf, 0) // [MQTT-3.3.2-1]
	if err != nil {
		return ErrMalformedTopic
	}

	if pk.FixedHeader.Qos > 0 {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return ErrMalformedPacketID
		}
	}

	pk.Payload = buf[offset:]

	return nil
}

// PublishValidate validates a publish packet received from a peer.
func (pk *Packet) PublishValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrProtocolViolationSurplusPacketID // [MQTT-2.3.1-5]
	}

	if pk.FixedHeader.Qos == 0 && pk.FixedHeader.Dup {
		return ErrProtocolViolationDupNoQos // [MQTT-3.3.1-2]
	}

	if !IsValidTopicName(pk.TopicName) { // [MQTT-3.3.2-2]
		return ErrProtocolViolationInvalidTopic
	}

	return CodeSuccess
}

// SubackEncode encodes a Suback packet.
func (pk *Packet) SubackEncode(buf *bytes.Buffer) error {
	packetID := encodeUint16(pk.PacketID)
	pk.FixedHeader.Remaining = len(packetID) + len(pk.ReturnCodes)
	pk.FixedHeader.Encode(buf)
	buf.Write(packetID)
	buf.Write(pk.ReturnCodes)
	return nil
}

// SubackDecode decodes a Suback packet.
func (pk *Packet) SubackDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	if offset >= len(buf) {
		return ErrMalformedReturnCode
	}

	pk.ReturnCodes = buf[offset:]
	for _, rc := range pk.ReturnCodes {
		if rc > 2 && rc != ErrSubscribeFailure.Code { // [MQTT-3.9.3-2]
			return ErrMalformedReturnCode
		}
	}

	return nil
}

// SubscribeEncode encodes a Subscribe packet.
func (pk *Packet) SubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	var nb bytes.Buffer
	nb.Write(encodeUint16(pk.PacketID))
	for _, sub := range pk.Filters {
		nb.Write(encodeString(sub.Filter))
		nb.WriteByte(sub.Qos)
	}

	pk.FixedHeader.Qos = 1 // [MQTT-3.8.1-1]
	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())

	return nil
}

// SubscribeDecode decodes a Subscribe packet.
func (pk *Packet) SubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	for offset < len(buf) {
		var sub Subscription
		sub.Filter, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedTopic
		}

		sub.Qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedQos
		}

		if sub.Qos > 2 { // [MQTT-3.8.3-4]
			return ErrMalformedQos
		}

		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// SubscribeValidate ensures the packet is compliant. Individual filters are
// validated by the receiver so that failures can be reported per filter.
func (pk *Packet) SubscribeValidate() Code {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.8.3-3]
	}

	return CodeSuccess
}

// UnsubscribeEncode encodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	var nb bytes.Buffer
	nb.Write(encodeUint16(pk.PacketID))
	for _, sub := range pk.Filters {
		nb.Write(encodeString(sub.Filter))
	}

	pk.FixedHeader.Qos = 1 // [MQTT-3.10.1-1]
	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	buf.Write(nb.Bytes())

	return nil
}

// UnsubscribeDecode decodes an Unsubscribe packet.
func (pk *Packet) UnsubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	for offset < len(buf) {
		var sub Subscription
		sub.Filter, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedTopic
		}
		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// UnsubscribeValidate validates an Unsubscribe packet.
func (pk *Packet) UnsubscribeValidate() Code {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.3.1-1]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	return CodeSuccess
}

// FormatID returns the PacketID field as a decimal integer.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// String returns a short description of the packet for logging.
func (pk Packet) String() string {
	switch pk.FixedHeader.Type {
	case Publish:
		return fmt.Sprintf("%s{id:%d qos:%d dup:%t retain:%t topic:%q len:%d}", Names[pk.FixedHeader.Type],
			pk.PacketID, pk.FixedHeader.Qos, pk.FixedHeader.Dup, pk.FixedHeader.Retain, pk.TopicName, len(pk.Payload))
	case Connect:
		return fmt.Sprintf("%s{client:%q clean:%t keepalive:%d}", Names[pk.FixedHeader.Type],
			pk.Connect.ClientIdentifier, pk.Connect.Clean, pk.Connect.Keepalive)
	case Connack:
		return fmt.Sprintf("%s{present:%t code:%d}", Names[pk.FixedHeader.Type], pk.SessionPresent, pk.ReturnCode)
	default:
		return fmt.Sprintf("%s{id:%d}", Names[pk.FixedHeader.Type], pk.PacketID)
	}
}

// NewPublish returns a publish packet stamped with the current time.
func NewPublish(topic string, payload []byte, qos byte, retain bool) Packet {
	return Packet{
		FixedHeader: FixedHeader{
			Type:   Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	}
}
