// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
)

// TCP accepts MQTT connections over TCP, or TLS when the config carries a
// TLS configuration.
type TCP struct { // [MQTT-4.2.0-1]
	acceptor
	config Config
}

// NewTCP returns a TCP listener for the configured address.
func NewTCP(config Config) *TCP {
	return &TCP{
		acceptor: acceptor{id: config.ID},
		config:   config,
	}
}

// ID returns the id of the listener.
func (l *TCP) ID() string { return l.id }

// Address returns the bound address once initialised, else the configured one.
func (l *TCP) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.config.Address
}

// Protocol returns "tcp".
func (l *TCP) Protocol() string { return TypeTCP }

// Init binds the address.
func (l *TCP) Init(log *slog.Logger) error {
	l.log = log

	var err error
	if l.config.TLSConfig != nil {
		l.listen, err = tls.Listen("tcp", l.config.Address, l.config.TLSConfig)
	} else {
		l.listen, err = net.Listen("tcp", l.config.Address)
	}
	return err
}

// Serve accepts connections until the listener is closed.
func (l *TCP) Serve(establish EstablishFn) { l.serve(establish) }

// Close stops accepting and closes the listener's clients.
func (l *TCP) Close(closeClients CloseFn) { l.close(closeClients) }
