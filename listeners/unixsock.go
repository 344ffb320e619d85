// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"log/slog"
	"net"
	"os"
)

// UnixSock accepts MQTT connections on a unix domain socket.
type UnixSock struct {
	acceptor
	path string // the socket file
}

// NewUnixSock returns a listener for the socket file named by the config address.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{
		acceptor: acceptor{id: config.ID},
		path:     config.Address,
	}
}

// ID returns the id of the listener.
func (l *UnixSock) ID() string { return l.id }

// Address returns the socket path.
func (l *UnixSock) Address() string { return l.path }

// Protocol returns "unix".
func (l *UnixSock) Protocol() string { return TypeUnix }

// Init binds the socket, replacing any stale socket file left at the path.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log
	_ = os.Remove(l.path)

	var err error
	l.listen, err = net.Listen("unix", l.path)
	return err
}

// Serve accepts connections until the listener is closed.
func (l *UnixSock) Serve(establish EstablishFn) { l.serve(establish) }

// Close stops accepting and closes the listener's clients.
func (l *UnixSock) Close(closeClients CloseFn) { l.close(closeClients) }
