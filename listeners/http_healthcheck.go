// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const httpTimeout = 5 * time.Second

// httpListener carries the http.Server plumbing shared by the listeners that
// serve HTTP endpoints rather than MQTT connections.
type httpListener struct {
	mu     sync.Mutex
	config Config       // configuration values for the listener
	server *http.Server // built by bind
	ln     net.Listener // the bound network listener
	log    *slog.Logger
	closed atomic.Bool
}

// ID returns the id of the listener.
func (l *httpListener) ID() string { return l.config.ID }

// Address returns the bound address once initialised, else the configured one.
func (l *httpListener) Address() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.config.Address
}

// Protocol returns http or https.
func (l *httpListener) Protocol() string {
	if l.config.TLSConfig != nil {
		return "https"
	}
	return "http"
}

// bind builds the server for handler and opens the configured address.
// Deadlines set by timeout stay on connections hijacked from the server.
func (l *httpListener) bind(log *slog.Logger, handler http.Handler, timeout time.Duration) error {
	l.log = log
	l.server = &http.Server{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Addr:         l.config.Address,
		Handler:      handler,
		TLSConfig:    l.config.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return err
	}

	if l.config.TLSConfig != nil {
		ln = tls.NewListener(ln, l.config.TLSConfig)
	}
	l.ln = ln
	return nil
}

// Serve serves http requests until the listener is closed. HTTP listeners
// never establish MQTT clients.
func (l *httpListener) Serve(_ EstablishFn) {
	err := l.server.Serve(l.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && l.log != nil {
		l.log.Warn("http listener stopped", "listener", l.config.ID, "error", err)
	}
}

// Close shuts the server down, waiting up to httpTimeout for open requests.
func (l *httpListener) Close(closeClients CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.CompareAndSwap(false, true) && l.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		_ = l.server.Shutdown(ctx)
	}

	closeClients(l.config.ID)
}

// HTTPHealthCheck serves GET /healthcheck with 200 while the server is up.
type HTTPHealthCheck struct {
	httpListener
}

// NewHTTPHealthCheck returns a health check listener for the configured address.
func NewHTTPHealthCheck(config Config) *HTTPHealthCheck {
	return &HTTPHealthCheck{httpListener{config: config}}
}

// Init binds the address.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return l.bind(log, mux, httpTimeout)
}
