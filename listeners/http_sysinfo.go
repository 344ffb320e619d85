// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/mochi-mqtt/mqtt311/system"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPStats is a listener for presenting the server $SYS stats on a JSON http
// endpoint, and as prometheus metrics on /metrics.
type HTTPStats struct {
	httpListener
	sysInfo  *system.Info         // pointers to the server data
	registry *prometheus.Registry // the metrics registry served on /metrics
}

// NewHTTPStats initialises and returns a new HTTP listener, listening on an address.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		httpListener: httpListener{config: config},
		sysInfo:      sysInfo,
	}
}

// Init registers the metrics of the server info and binds the address.
func (l *HTTPStats) Init(log *slog.Logger) error {
	l.registry = prometheus.NewRegistry()
	l.sysInfo.RegisterPrometheusMetrics(l.registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	return l.bind(log, mux, httpTimeout)
}

// jsonHandler is an HTTP handler which outputs the $SYS stats as JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	info := l.sysInfo.Clone()

	out, err := json.MarshalIndent(info, "", "\t")
	if err != nil {
		_, _ = io.WriteString(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
