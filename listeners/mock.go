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

// ErrMockListen is returned by MockListener.Init when ErrListen is set.
var ErrMockListen = errors.New("mock listen failure")

// MockEstablisher is an EstablishFn which accepts and ignores the connection.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser is a CloseFn which does nothing.
func MockCloser(id string) {}

// MockListener is a listener without a network, for testing. Connections
// are handed to it with Dial.
type MockListener struct {
	id        string
	address   string
	ErrListen bool // fail Init with ErrMockListen

	mu        sync.Mutex
	establish EstablishFn
	listening atomic.Bool
	serving   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		done:    make(chan struct{}),
	}
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string { return l.id }

// Address returns the address the listener was created with.
func (l *MockListener) Address() string { return l.address }

// Protocol returns "mock".
func (l *MockListener) Protocol() string { return TypeMock }

// Init marks the listener as listening, or fails if ErrListen is set.
func (l *MockListener) Init(_ *slog.Logger) error {
	if l.ErrListen {
		return ErrMockListen
	}
	l.listening.Store(true)
	return nil
}

// Serve blocks until the listener is closed.
func (l *MockListener) Serve(establish EstablishFn) {
	l.mu.Lock()
	l.establish = establish
	l.mu.Unlock()

	l.serving.Store(true)
	<-l.done
	l.serving.Store(false)
}

// Dial hands one end of an in-memory pipe to the establish function given to
// Serve, and returns the other end. It fails if the listener is not serving.
func (l *MockListener) Dial() (net.Conn, error) {
	l.mu.Lock()
	establish := l.establish
	l.mu.Unlock()

	if establish == nil || !l.serving.Load() {
		return nil, net.ErrClosed
	}

	client, server := net.Pipe()
	go func() {
		_ = establish(l.id, server)
		_ = server.Close()
	}()
	return client, nil
}

// Close stops serving and closes the listener's clients.
func (l *MockListener) Close(closeClients CloseFn) {
	l.serving.Store(false)
	closeClients(l.id)
	l.closeOnce.Do(func() { close(l.done) })
}

// IsServing indicates whether the mock listener is serving.
func (l *MockListener) IsServing() bool { return l.serving.Load() }

// IsListening indicates whether the mock listener is listening.
func (l *MockListener) IsListening() bool { return l.listening.Load() }
