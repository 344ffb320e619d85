// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// acceptor is the accept loop shared by the stream listeners. Each accepted
// connection is handed to the establish callback on its own goroutine.
type acceptor struct {
	mu     sync.Mutex
	id     string       // the id of the owning listener
	listen net.Listener // bound by the owning listener's Init
	log    *slog.Logger
	closed atomic.Bool
}

func (a *acceptor) serve(establish EstablishFn) {
	for !a.closed.Load() {
		conn, err := a.listen.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && a.log != nil {
				a.log.Warn("accept failed", "listener", a.id, "error", err)
			}
			return
		}

		if a.closed.Load() {
			_ = conn.Close()
			return
		}

		go func() {
			if err := establish(a.id, conn); err != nil && a.log != nil {
				a.log.Debug("connection ended", "listener", a.id, "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// close ends the accept loop and closes the clients of the listener. Only
// the first call has any effect.
func (a *acceptor) close(closeClients CloseFn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.closed.CompareAndSwap(false, true) {
		return
	}

	closeClients(a.id)
	if a.listen != nil {
		_ = a.listen.Close()
	}
}

// Net serves client connections from any net.Listener the caller has
// already bound, such as an in-memory or systemd-activated socket.
type Net struct {
	acceptor
}

// NewNet returns a listener serving the connections accepted by listener.
func NewNet(id string, listener net.Listener) *Net {
	return &Net{acceptor: acceptor{id: id, listen: listener}}
}

// ID returns the id of the listener.
func (l *Net) ID() string { return l.id }

// Address returns the address of the wrapped listener.
func (l *Net) Address() string { return l.listen.Addr().String() }

// Protocol returns the network of the wrapped listener.
func (l *Net) Protocol() string { return l.listen.Addr().Network() }

// Init sets the logger. The wrapped listener is already bound.
func (l *Net) Init(log *slog.Logger) error {
	l.log = log
	return nil
}

// Serve accepts connections until the listener is closed.
func (l *Net) Serve(establish EstablishFn) { l.serve(establish) }

// Close stops accepting and closes the listener's clients.
func (l *Net) Close(closeClients CloseFn) { l.close(closeClients) }
