// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import "errors"

// Code contains a return code and reason string for a response or failure.
// Codes below 0x80 are written to the wire (CONNACK and SUBACK return codes);
// the remainder classify errors raised while processing a connection.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

const (
	codeMalformed         byte = 0x81
	codeProtocolViolation byte = 0x82
)

var (
	// QosCodes indicates the SUBACK return code granted for each qos byte.
	QosCodes = map[byte]Code{
		0: CodeGrantedQos0,
		1: CodeGrantedQos1,
		2: CodeGrantedQos2,
	}

	CodeSuccess     = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect  = Code{Code: 0x00, Reason: "disconnected"}
	CodeGrantedQos0 = Code{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1 = Code{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2 = Code{Code: 0x02, Reason: "granted qos 2"}

	// CONNACK return codes.
	ErrUnsupportedProtocolVersion = Code{Code: 0x01, Reason: "unacceptable protocol version"}
	ErrClientIdentifierNotValid   = Code{Code: 0x02, Reason: "identifier rejected"}
	ErrServerUnavailable          = Code{Code: 0x03, Reason: "server unavailable"}
	ErrBadUsernameOrPassword      = Code{Code: 0x04, Reason: "bad username or password"}
	ErrNotAuthorized              = Code{Code: 0x05, Reason: "not authorized"}

	// SUBACK failure return code.
	ErrSubscribeFailure = Code{Code: 0x80, Reason: "subscription failure"}

	ErrMalformedPacket                = Code{Code: codeMalformed, Reason: "malformed packet"}
	ErrMalformedProtocolName          = Code{Code: codeMalformed, Reason: "malformed packet: protocol name"}
	ErrMalformedProtocolVersion       = Code{Code: codeMalformed, Reason: "malformed packet: protocol version"}
	ErrMalformedFlags                 = Code{Code: codeMalformed, Reason: "malformed packet: flags"}
	ErrMalformedKeepalive             = Code{Code: codeMalformed, Reason: "malformed packet: keepalive"}
	ErrMalformedPacketID              = Code{Code: codeMalformed, Reason: "malformed packet: packet identifier"}
	ErrMalformedTopic                 = Code{Code: codeMalformed, Reason: "malformed packet: topic"}
	ErrMalformedClientID              = Code{Code: codeMalformed, Reason: "malformed packet: client id"}
	ErrMalformedWillTopic             = Code{Code: codeMalformed, Reason: "malformed packet: will topic"}
	ErrMalformedWillPayload           = Code{Code: codeMalformed, Reason: "malformed packet: will message"}
	ErrMalformedUsername              = Code{Code: codeMalformed, Reason: "malformed packet: username"}
	ErrMalformedPassword              = Code{Code: codeMalformed, Reason: "malformed packet: password"}
	ErrMalformedQos                   = Code{Code: codeMalformed, Reason: "malformed packet: qos"}
	ErrMalformedSessionPresent        = Code{Code: codeMalformed, Reason: "malformed packet: session present"}
	ErrMalformedReturnCode            = Code{Code: codeMalformed, Reason: "malformed packet: return code"}
	ErrMalformedOffsetUintOutOfRange  = Code{Code: codeMalformed, Reason: "malformed packet: offset uint out of range"}
	ErrMalformedOffsetBytesOutOfRange = Code{Code: codeMalformed, Reason: "malformed packet: offset bytes out of range"}
	ErrMalformedOffsetByteOutOfRange  = Code{Code: codeMalformed, Reason: "malformed packet: offset byte out of range"}
	ErrMalformedOffsetBoolOutOfRange  = Code{Code: codeMalformed, Reason: "malformed packet: offset boolean out of range"}
	ErrMalformedInvalidUTF8           = Code{Code: codeMalformed, Reason: "malformed packet: invalid utf-8 string"}
	ErrMalformedVariableByteInteger   = Code{Code: codeMalformed, Reason: "malformed packet: variable byte integer out of range"}
	ErrMalformedInvalidFlags          = Code{Code: codeMalformed, Reason: "malformed packet: invalid fixed header flags"}
	ErrMalformedUnknownType           = Code{Code: codeMalformed, Reason: "malformed packet: unknown packet type"}
	ErrPacketTooLarge                 = Code{Code: codeMalformed, Reason: "malformed packet: packet too large"}

	ErrProtocolViolation                    = Code{Code: codeProtocolViolation, Reason: "protocol violation"}
	ErrProtocolViolationProtocolName        = Code{Code: codeProtocolViolation, Reason: "protocol violation: protocol name"}
	ErrProtocolViolationReservedBit         = Code{Code: codeProtocolViolation, Reason: "protocol violation: reserved bit not 0"}
	ErrProtocolViolationFlagNoUsername      = Code{Code: codeProtocolViolation, Reason: "protocol violation: password flag set without username flag"}
	ErrProtocolViolationUsernameTooLong     = Code{Code: codeProtocolViolation, Reason: "protocol violation: username too long"}
	ErrProtocolViolationPasswordTooLong     = Code{Code: codeProtocolViolation, Reason: "protocol violation: password too long"}
	ErrProtocolViolationWillFlagNoPayload   = Code{Code: codeProtocolViolation, Reason: "protocol violation: will flag no payload"}
	ErrProtocolViolationWillFlagSurplus     = Code{Code: codeProtocolViolation, Reason: "protocol violation: will qos or retain without will flag"}
	ErrProtocolViolationNoPacketID          = Code{Code: codeProtocolViolation, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationSurplusPacketID     = Code{Code: codeProtocolViolation, Reason: "protocol violation: surplus packet id"}
	ErrProtocolViolationQosOutOfRange       = Code{Code: codeProtocolViolation, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationDupNoQos            = Code{Code: codeProtocolViolation, Reason: "protocol violation: dup true with no qos"}
	ErrProtocolViolationInvalidTopic        = Code{Code: codeProtocolViolation, Reason: "protocol violation: invalid topic"}
	ErrProtocolViolationNoFilters           = Code{Code: codeProtocolViolation, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationSecondConnect       = Code{Code: codeProtocolViolation, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationRequireFirstConnect = Code{Code: codeProtocolViolation, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationRequireFirstConnack = Code{Code: codeProtocolViolation, Reason: "protocol violation: first packet must be connack"}
	ErrProtocolViolationUnexpectedPacket    = Code{Code: codeProtocolViolation, Reason: "protocol violation: unexpected packet type"}
	ErrProtocolViolationAckQosMismatch      = Code{Code: codeProtocolViolation, Reason: "protocol violation: acknowledgement does not match message qos"}

	ErrKeepAliveTimeout   = Code{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver   = Code{Code: 0x8E, Reason: "session takeover"}
	ErrServerShuttingDown = Code{Code: 0x8B, Reason: "server shutting down"}
	ErrRejectPacket       = Code{Code: 0xFE, Reason: "packet rejected"}
)

// IsProtocolError returns true if the error is a malformed packet or protocol
// violation code. Such errors are always fatal to the connection.
func IsProtocolError(err error) bool {
	var code Code
	if !errors.As(err, &code) {
		return false
	}

	return code.Code == codeMalformed || code.Code == codeProtocolViolation
}
