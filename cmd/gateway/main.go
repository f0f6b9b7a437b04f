// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/gops/agent"

	"github.com/cc-edge/modbus-gateway/internal/alert"
	"github.com/cc-edge/modbus-gateway/internal/composite"
	"github.com/cc-edge/modbus-gateway/internal/control"
	"github.com/cc-edge/modbus-gateway/internal/gwconfig"
	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/internal/health"
	"github.com/cc-edge/modbus-gateway/internal/housekeeping"
	"github.com/cc-edge/modbus-gateway/internal/lifecycle"
	"github.com/cc-edge/modbus-gateway/internal/metrics"
	"github.com/cc-edge/modbus-gateway/internal/monitor"
	"github.com/cc-edge/modbus-gateway/internal/pubsub"
	"github.com/cc-edge/modbus-gateway/internal/runtimeEnv"
	"github.com/cc-edge/modbus-gateway/internal/sender"
	"github.com/cc-edge/modbus-gateway/internal/snapshotstore"
	"github.com/cc-edge/modbus-gateway/internal/topology"
	"github.com/cc-edge/modbus-gateway/internal/util"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

func main() {
	var (
		flagConfig      string
		flagTopology    string
		flagRules       string
		flagGops        bool
		flagLogDateTime bool
		flagLogLevel    string
		flagMetricsAddr string
	)
	flag.StringVar(&flagConfig, "config", "./config.json", "program configuration file")
	flag.StringVar(&flagTopology, "topology", "./topology.json", "device/register map topology file")
	flag.StringVar(&flagRules, "rules", "./rules.json", "alert/control rule file")
	flag.BoolVar(&flagGops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "set this flag to add date and time to log messages")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "sets the logging level: `debug -> info -> warn -> err -> crit`")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", "127.0.0.1:9110", "liveness/metrics listener address")
	flag.Parse()

	log.Init(flagLogLevel, flagLogDateTime)

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	if err := gwconfig.Init(flagConfig); err != nil {
		log.Fatalf("loading %s failed: %s", flagConfig, err.Error())
	}

	doc, err := topology.Load(flagTopology)
	if err != nil {
		log.Fatalf("loading %s failed: %s", flagTopology, err.Error())
	}
	top, err := topology.Build(doc)
	if err != nil {
		log.Fatalf("building topology failed: %s", err.Error())
	}

	// The serial ports are now open. If this process was started as root to
	// get access to them, drop down to the configured unprivileged account
	// before going any further.
	if err := runtimeEnv.DropPrivileges(gwconfig.Keys.User, gwconfig.Keys.Group); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	var ruleDoc topology.RuleDocument
	if util.CheckFileExists(flagRules) {
		ruleDoc, err = topology.LoadRules(flagRules)
		if err != nil {
			log.Fatalf("loading %s failed: %s", flagRules, err.Error())
		}
	} else {
		log.Infof("[MAIN] %s not found, running with no alert/control rules", flagRules)
	}
	alertDeviceRules, err := topology.BuildAlertRules(ruleDoc.AlertRules)
	if err != nil {
		log.Fatalf("building alert rules failed: %s", err.Error())
	}
	controlRules, err := topology.BuildControlRules(ruleDoc.ControlRules)
	if err != nil {
		log.Fatalf("building control rules failed: %s", err.Error())
	}

	store, err := snapshotstore.Open(gwconfig.Keys.SnapshotDBPath)
	if err != nil {
		log.Fatalf("opening snapshot store at %s failed: %s", gwconfig.Keys.SnapshotDBPath, err.Error())
	}

	hm := health.New(healthParams(gwconfig.Keys.Health), time.Now().UnixNano())

	snapshotBroker := pubsub.NewSnapshotBroker()
	alertBroker := pubsub.NewAlertBroker()

	reg := metrics.New()

	monCfg := monitor.Config{
		TickInterval:  durationFromSeconds(gwconfig.Keys.Monitor.IntervalSeconds),
		DeviceTimeout: durationFromSeconds(gwconfig.Keys.Monitor.DeviceTimeoutSec),
		MaxConcurrent: gwconfig.Keys.Monitor.ReadConcurrency,
		Topic:         "DEVICE_SNAPSHOT",
	}
	mon := monitor.New(monCfg, hm, snapshotBroker, top.MonitorEntries)
	mon.SetVirtualDevices(top.VirtualSpecs)

	execStore := composite.NewMemoryExecutionStore()
	alertEval := alert.New(alertDeviceRules, execStore, nil)
	controlEval := control.New(controlRules, execStore)

	controlDevices := make(map[string]control.ControlDevice, len(top.Devices))
	for id, d := range top.Devices {
		controlDevices[id] = d
	}
	executor := control.NewExecutor(controlDevices, hm)

	outbox, err := sender.NewOutboxStore(
		gwconfig.Keys.ResendDir,
		gwconfig.Keys.Sender.ResendQuotaMB,
		gwconfig.Keys.Sender.FSFreeMinMB,
		durationFromSeconds(gwconfig.Keys.Sender.ResendProtectRecentSec),
	)
	if err != nil {
		log.Fatalf("opening outbox at %s failed: %s", gwconfig.Keys.ResendDir, err.Error())
	}
	transport := sender.NewTransport(gwconfig.Keys.Sender.ImaURL, 10*time.Second, 0)

	hostname, _ := os.Hostname()
	gatewayID := sender.ResolveGatewayID(hostname, gwconfig.Keys.GatewayID)
	rebootCount := util.BumpRebootCount(gwconfig.Keys.RebootCountPath)

	snd := sender.New(sender.Config{
		GatewayID:       gatewayID,
		Series:          gwconfig.Keys.Series,
		SSHPort:         gwconfig.Keys.SSHPort,
		RebootCount:     rebootCount,
		CPUTemp:         util.CPUTemperatureC,
		SendIntervalSec: gwconfig.Keys.Sender.SendIntervalSec,
		AnchorOffsetSec: gwconfig.Keys.Sender.AnchorOffsetSec,
		TickGraceSec:    gwconfig.Keys.Sender.TickGraceSec,
		AttemptCount:    gwconfig.Keys.Sender.AttemptCount,
		WarmupTimeout:   15 * time.Second,
		WarmupDebounce:  2 * time.Second,
	}, snapshotBroker, outbox, transport)

	resendWorker := sender.NewResendWorker(sender.ResendConfig{
		GatewayID:           gatewayID,
		IntervalSec:         gwconfig.Keys.Sender.FailResendIntervalSec,
		AnchorOffsetSec:     gwconfig.Keys.Sender.ResendAnchorOffsetSec,
		StartDelaySec:       gwconfig.Keys.Sender.ResendStartDelaySec,
		BatchSize:           gwconfig.Keys.Sender.FailResendBatch,
		MinAgeSec:           gwconfig.Keys.Sender.FailResendIntervalSec / 2,
		MaxRetry:            gwconfig.Keys.Sender.MaxRetry,
		LastPostOkWithinSec: gwconfig.Keys.Sender.LastPostOkWithinSec,
	}, outbox, transport, snd)

	hkCfg := housekeeping.Config{
		SnapshotRetention:   30 * 24 * time.Hour,
		SnapshotCleanupHour: 3, SnapshotCleanupMinute: 30,
		OutboxSweepEnabled:  gwconfig.Keys.Sender.ResendCleanupEnabled,
		OutboxSweepInterval: 10 * time.Minute,
	}
	hk, err := housekeeping.New(hkCfg, store, outbox)
	if err != nil {
		log.Fatalf("building housekeeping scheduler failed: %s", err.Error())
	}

	sampler := metrics.NewSampler(reg, metrics.Sources{
		DevicesOnline:  healthCounter(hm, top.MonitorEntries, true),
		DevicesOffline: healthCounter(hm, top.MonitorEntries, false),
		OutboxFiles:    outboxFileCounter(gwconfig.Keys.ResendDir),
		SnapshotRows:   snapshotRowCounter(store),
	}, 5*time.Second)
	listener := metrics.NewListener(flagMetricsAddr, reg)

	var group lifecycle.Group
	group.Add(lifecycle.Runnable{
		Name: "monitor",
		Start: func(ctx context.Context) error {
			go mon.Run(ctx)
			return nil
		},
	})
	group.Add(lifecycle.Runnable{
		Name: "snapshot-store-writer",
		Start: func(ctx context.Context) error {
			go runSnapshotStoreWriter(ctx, snapshotBroker, store)
			return nil
		},
	})
	group.Add(lifecycle.Runnable{
		Name: "alert-evaluator",
		Start: func(ctx context.Context) error {
			go runAlertEvaluator(ctx, snapshotBroker, alertBroker, alertEval)
			return nil
		},
	})
	group.Add(lifecycle.Runnable{
		Name: "control-evaluator",
		Start: func(ctx context.Context) error {
			go runControlEvaluator(ctx, snapshotBroker, controlEval, executor)
			return nil
		},
	})
	group.Add(lifecycle.Runnable{
		Name: "pubsub-drop-sampler",
		Start: func(ctx context.Context) error {
			go runPubSubDropSampler(ctx, reg, snapshotBroker, alertBroker)
			return nil
		},
	})
	group.Add(lifecycle.Runnable{Name: "sender", Start: snd.Start, Stop: snd.Stop})
	group.Add(lifecycle.Runnable{Name: "resend-worker", Start: resendWorker.Start, Stop: resendWorker.Stop})
	group.Add(lifecycle.Runnable{Name: "housekeeping", Start: hk.Start, Stop: hk.Stop})
	group.Add(lifecycle.Runnable{Name: "metrics-sampler", Start: sampler.Start, Stop: sampler.Stop})
	group.Add(lifecycle.Runnable{Name: "metrics-listener", Start: listener.Start, Stop: listener.Stop})
	group.Add(lifecycle.Runnable{
		Name:  "bus-closer",
		Start: func(ctx context.Context) error { return nil },
		Stop: func(ctx context.Context) error {
			for _, b := range top.Buses {
				b.Close()
			}
			return store.Close()
		},
	})

	if err := group.Run(context.Background()); err != nil {
		log.Fatalf("gateway exited with error: %s", err.Error())
	}
}

// topicConfig resolves a topic's queue bounds from the pubsub_topics config
// section, falling back to the given defaults for topics the file doesn't
// mention.
func topicConfig(name string, fallback pubsub.TopicConfig) pubsub.TopicConfig {
	tc, ok := gwconfig.Keys.PubSubTopics[name]
	if !ok {
		return fallback
	}
	out := fallback
	if tc.QueueMaxSize > 0 {
		out.MaxQueueSize = tc.QueueMaxSize
	}
	if tc.DropPolicy != "" {
		out.Policy = pubsub.DropPolicy(tc.DropPolicy)
	}
	return out
}

func healthParams(cfg gwconfig.HealthConfig) health.Params {
	jitterFraction := 0.0
	if cfg.BaseCooldownSec > 0 {
		jitterFraction = cfg.JitterSec / cfg.BaseCooldownSec
	}
	if jitterFraction > 1 {
		jitterFraction = 1
	}
	return health.Params{
		BaseInterval:          durationFromSeconds(cfg.BaseCooldownSec),
		MaxInterval:           durationFromSeconds(cfg.MaxCooldownSec),
		BackoffFactor:         cfg.BackoffFactor,
		JitterFraction:        jitterFraction,
		FailureThreshold:      cfg.MarkUnhealthyAfterFailures,
		LongOfflineThreshold:  durationFromSeconds(cfg.LongTermOfflineThresholdSec),
		LongOfflineFailureCap: cfg.MaxFailuresCap,
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// runSnapshotStoreWriter persists every published snapshot to the local
// store, so REST-free operators and the resend path both have a queryable
// history independent of whatever made it to the cloud.
func runSnapshotStoreWriter(ctx context.Context, broker *pubsub.SnapshotBroker, store *snapshotstore.Store) {
	sub := broker.Subscribe("DEVICE_SNAPSHOT", topicConfig("DEVICE_SNAPSHOT", pubsub.TopicConfig{MaxQueueSize: 1024, Policy: pubsub.DropOldest}))
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := store.Save(snap); err != nil {
				log.Warnf("[STORE] saving snapshot for %s failed: %v", snap.DeviceID, err)
			}
		}
	}
}

func runAlertEvaluator(ctx context.Context, broker *pubsub.SnapshotBroker, alerts *pubsub.AlertBroker, eval *alert.Evaluator) {
	sub := broker.Subscribe("DEVICE_SNAPSHOT", topicConfig("DEVICE_SNAPSHOT", pubsub.TopicConfig{MaxQueueSize: 512, Policy: pubsub.DropOldest}))
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Channel():
			if !ok {
				return
			}
			for _, ev := range eval.Evaluate(snap) {
				topic := "ALERT_RESOLVED"
				if ev.State == gwtype.AlertStateTriggered {
					topic = "ALERT_WARNING"
				}
				alerts.Publish(topic, ev)
			}
		}
	}
}

func runControlEvaluator(ctx context.Context, broker *pubsub.SnapshotBroker, eval *control.Evaluator, exec *control.Executor) {
	sub := broker.Subscribe("DEVICE_SNAPSHOT", topicConfig("DEVICE_SNAPSHOT", pubsub.TopicConfig{MaxQueueSize: 512, Policy: pubsub.DropOldest}))
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Channel():
			if !ok {
				return
			}
			actions := eval.Evaluate(snap)
			if len(actions) > 0 {
				exec.Execute(ctx, actions)
			}
		}
	}
}

// runPubSubDropSampler periodically folds each topic's drop counter into
// the Prometheus counter, resetting it so repeated polls don't double-count.
func runPubSubDropSampler(ctx context.Context, reg *metrics.Registry, snapshots *pubsub.SnapshotBroker, alerts *pubsub.AlertBroker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	topics := []string{"DEVICE_SNAPSHOT"}
	alertTopics := []string{"ALERT_WARNING", "ALERT_RESOLVED"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range topics {
				if n := snapshots.ResetDropCounter(t); n > 0 {
					for i := uint64(0); i < n; i++ {
						reg.RecordPubSubDrop(t)
					}
				}
			}
			for _, t := range alertTopics {
				if n := alerts.ResetDropCounter(t); n > 0 {
					for i := uint64(0); i < n; i++ {
						reg.RecordPubSubDrop(t)
					}
				}
			}
		}
	}
}

func healthCounter(hm *health.Manager, entries []monitor.Entry, online bool) func() int {
	return func() int {
		n := 0
		for _, e := range entries {
			ok := hm.State(e.Poller.DeviceID()) == gwtype.HealthOK
			if ok == online {
				n++
			}
		}
		return n
	}
}

func outboxFileCounter(dir string) func() int {
	return func() int {
		return util.GetFilecount(dir)
	}
}

func snapshotRowCounter(store *snapshotstore.Store) func() int64 {
	return func() int64 {
		st, err := store.Stat()
		if err != nil {
			return 0
		}
		return st.RowCount
	}
}
