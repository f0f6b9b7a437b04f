// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Listener is the gateway's minimal liveness surface: a /healthz that
// always answers while the process is up, and a /metrics endpoint for
// Prometheus scraping. There is no REST or GraphQL API behind it.
type Listener struct {
	addr   string
	server *http.Server
}

// NewListener builds a Listener bound to addr, serving reg's metrics.
func NewListener(addr string, reg *Registry) *Listener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Listener{addr: addr, server: &http.Server{Addr: addr, Handler: mux}}
}

// Start binds the listener and begins serving in the background.
// Satisfies the lifecycle Runnable contract.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	log.Infof("[METRICS] listening at %s", l.addr)
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("[METRICS] listener stopped: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (l *Listener) Stop(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}
