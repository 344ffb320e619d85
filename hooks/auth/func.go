// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/packets"
)

// AuthenticateFn decides whether a connecting client may connect.
type AuthenticateFn func(clientID string, username, password []byte) bool

// ACLFn decides whether a client may publish (write) or subscribe to a topic.
type ACLFn func(clientID string, username []byte, topic string, write bool) bool

// FuncOptions contains the functions used by a FuncHook. A nil function
// allows everything it would check.
type FuncOptions struct {
	Authenticate AuthenticateFn
	ACL          ACLFn
}

// FuncHook is an authentication hook which defers to plain functions, for
// embedding the server in an application with its own user store.
type FuncHook struct {
	mqtt.HookBase
	config *FuncOptions
}

// ID returns the ID of the hook.
func (h *FuncHook) ID() string {
	return "func-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *FuncHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// Init configures the hook with the functions to call.
func (h *FuncHook) Init(config any) error {
	if _, ok := config.(*FuncOptions); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(FuncOptions)
	}

	h.config = config.(*FuncOptions)
	return nil
}

// OnConnectAuthenticate returns the result of the Authenticate function.
func (h *FuncHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if h.config == nil || h.config.Authenticate == nil {
		return true
	}

	return h.config.Authenticate(pk.Connect.ClientIdentifier, pk.Connect.Username, pk.Connect.Password)
}

// OnACLCheck returns the result of the ACL function.
func (h *FuncHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if h.config == nil || h.config.ACL == nil {
		return true
	}

	return h.config.ACL(cl.ID, cl.Properties.Username, topic, write)
}

// AllowHook is an authentication hook which allows connection access
// for all users and read and write access to all topics.
type AllowHook struct {
	FuncHook
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}
