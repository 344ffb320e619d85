// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidMessage indicates that a message payload was not valid.
	ErrInvalidMessage = errors.New("message type not binary")
)

const wsTimeout = 60 * time.Second

// Websocket accepts MQTT connections carried in binary websocket frames.
type Websocket struct { // [MQTT-4.2.0-1]
	httpListener
	establish EstablishFn         // the server's establish connection handler
	upgrader  *websocket.Upgrader // upgrades incoming http requests to the mqtt subprotocol
}

// NewWebsocket returns a websocket listener for the configured address.
func NewWebsocket(config Config) *Websocket {
	return &Websocket{
		httpListener: httpListener{config: config},
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Protocol returns ws or wss.
func (l *Websocket) Protocol() string {
	if l.config.TLSConfig != nil {
		return "wss"
	}
	return TypeWS
}

// Init binds the address.
func (l *Websocket) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handler)
	return l.bind(log, mux, wsTimeout)
}

// handler upgrades a request and runs the mqtt connection over it until it ends.
func (l *Websocket) handler(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	err = l.establish(l.config.ID, &wsConn{Conn: c.UnderlyingConn(), c: c})
	if err != nil && l.log != nil {
		l.log.Debug("connection ended", "listener", l.config.ID, "remote", r.RemoteAddr, "error", err)
	}
}

// Serve serves websocket upgrades until the listener is closed, establishing
// a client for each.
func (l *Websocket) Serve(establish EstablishFn) {
	l.establish = establish
	l.httpListener.Serve(establish)
}

// wsConn is a websocket connection which satisfies the net.Conn interface.
// An MQTT packet may span several binary messages, and a message may hold
// several packets, so reads continue from the current message until it is
// exhausted.
type wsConn struct {
	net.Conn
	c  *websocket.Conn
	r  io.Reader // the reader of the current message
	wm sync.Mutex
}

// Read reads the next span of bytes from the websocket connection and returns the number of bytes read.
func (ws *wsConn) Read(p []byte) (int, error) {
	for {
		if ws.r == nil {
			op, r, err := ws.c.NextReader()
			if err != nil {
				return 0, err
			}

			if op != websocket.BinaryMessage {
				return 0, ErrInvalidMessage
			}

			ws.r = r
		}

		n, err := ws.r.Read(p)
		if errors.Is(err, io.EOF) {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}

		return n, err
	}
}

// Write writes bytes to the websocket connection.
func (ws *wsConn) Write(p []byte) (int, error) {
	ws.wm.Lock()
	defer ws.wm.Unlock()

	err := ws.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close signals the underlying websocket conn to close.
func (ws *wsConn) Close() error {
	return ws.Conn.Close()
}
