// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lifecycle generalizes the reference daemon's single-HTTP-server
// start/signal/shutdown sequence to the gateway's many long-lived
// subsystems: bus, health manager, monitor, sender, housekeeping and the
// rest all start in registration order and stop in reverse order behind
// one signal-driven context.
package lifecycle

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/cc-edge/modbus-gateway/internal/runtimeEnv"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Runnable is one long-lived subsystem: a bus, a manager, a worker loop.
// Start should return once the subsystem's background goroutines are
// launched, not block for the subsystem's whole lifetime; the subsystem
// itself must watch ctx for cancellation.
type Runnable struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Group is an ordered set of Runnables started together and stopped in
// reverse order.
type Group struct {
	items []Runnable
}

// Add registers a Runnable. Order matters: later Add calls start after,
// and stop before, earlier ones.
func (g *Group) Add(r Runnable) {
	g.items = append(g.items, r)
}

// Start starts every registered Runnable in registration order, stopping
// whatever already started if one of them fails.
func (g *Group) Start(ctx context.Context) error {
	for i, r := range g.items {
		log.Infof("[LIFECYCLE] starting %s", r.Name)
		if err := r.Start(ctx); err != nil {
			log.Errorf("[LIFECYCLE] %s failed to start: %v", r.Name, err)
			g.stopFrom(context.Background(), i-1)
			return err
		}
	}
	return nil
}

// Stop stops every registered Runnable in reverse registration order.
func (g *Group) Stop(ctx context.Context) {
	g.stopFrom(ctx, len(g.items)-1)
}

func (g *Group) stopFrom(ctx context.Context, last int) {
	for i := last; i >= 0; i-- {
		r := g.items[i]
		log.Infof("[LIFECYCLE] stopping %s", r.Name)
		if r.Stop == nil {
			continue
		}
		if err := r.Stop(ctx); err != nil {
			log.Warnf("[LIFECYCLE] %s failed to stop cleanly: %v", r.Name, err)
		}
	}
}

// Run starts every Runnable, blocks until SIGINT/SIGTERM, then stops them
// in reverse order. Mirrors the reference daemon's signal-handling
// goroutine plus ordered server.Shutdown/wg.Wait sequence, generalized
// from one HTTP server to an arbitrary ordered set of subsystems.
func (g *Group) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.Start(ctx); err != nil {
		return err
	}

	runtimeEnv.SystemdNotifiy(true, "running")
	<-ctx.Done()
	runtimeEnv.SystemdNotifiy(false, "shutting down")

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Stop(shutdownCtx)

	log.Print("Gracefull shutdown completed!")
	return nil
}
