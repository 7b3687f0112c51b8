// Package server exposes the build pipeline over HTTP.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

type Params struct {
	Orchestrator Orchestrator // required
	Metrics      http.Handler // optional, served at /metrics
	Development  bool         // serves the swagger UI
	Version      string       // default: "dev", reported by / and /health
	Log          *slog.Logger // required
}

func (p *Params) version() string {
	v := p.Version
	if v == "" {
		v = "dev"
	}
	return v
}

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, params *Params) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := params.Log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(cfg, params, subLogger)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           withAccessLog(subLogger, h),
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
	}
}
