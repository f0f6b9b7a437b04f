// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gwconfig loads and validates the gateway's JSON configuration
// file into a package-level Keys value pre-populated with the reference
// deployment's defaults.
package gwconfig

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/cc-edge/modbus-gateway/pkg/log"
	"github.com/cc-edge/modbus-gateway/pkg/schema"
)

// MonitorConfig controls the device monitor's poll cadence and concurrency.
type MonitorConfig struct {
	IntervalSeconds  float64 `json:"interval_seconds"`
	DeviceTimeoutSec float64 `json:"device_timeout_sec"`
	ReadConcurrency  int     `json:"read_concurrency"`
	LogEachDevice    bool    `json:"log_each_device"`
}

// HealthConfig controls the health manager's backoff schedule.
type HealthConfig struct {
	BaseCooldownSec              float64 `json:"base_cooldown_sec"`
	MaxCooldownSec               float64 `json:"max_cooldown_sec"`
	BackoffFactor                float64 `json:"backoff_factor"`
	JitterSec                    float64 `json:"jitter_sec"`
	MarkUnhealthyAfterFailures   int     `json:"mark_unhealthy_after_failures"`
	LongTermOfflineThresholdSec  float64 `json:"long_term_offline_threshold_sec"`
	MaxFailuresCap               int     `json:"max_failures_cap"`
}

// SenderConfig controls the cloud sender's scheduling, retry, and
// disk-budget behavior.
type SenderConfig struct {
	SendIntervalSec        float64 `json:"send_interval_sec"`
	AnchorOffsetSec        float64 `json:"anchor_offset_sec"`
	TickGraceSec           float64 `json:"tick_grace_sec"`
	FreshWindowSec         float64 `json:"fresh_window_sec"`
	LastKnownTTLSec        float64 `json:"last_known_ttl_sec"`
	AttemptCount           int     `json:"attempt_count"`
	MaxRetry               int     `json:"max_retry"`
	FailResendEnabled      bool    `json:"fail_resend_enabled"`
	FailResendIntervalSec  float64 `json:"fail_resend_interval_sec"`
	FailResendBatch        int     `json:"fail_resend_batch"`
	ResendAnchorOffsetSec  float64 `json:"resend_anchor_offset_sec"`
	ResendStartDelaySec    float64 `json:"resend_start_delay_sec"`
	LastPostOkWithinSec    float64 `json:"last_post_ok_within_sec"`
	ResendQuotaMB          float64 `json:"resend_quota_mb"`
	FSFreeMinMB            float64 `json:"fs_free_min_mb"`
	ResendProtectRecentSec float64 `json:"resend_protect_recent_sec"`
	ResendCleanupBatch     int     `json:"resend_cleanup_batch"`
	ResendCleanupEnabled   bool    `json:"resend_cleanup_enabled"`
	ImaURL                 string  `json:"ima_url"`
}

// TopicConfig mirrors pubsub.TopicConfig in JSON-decodable form.
type TopicConfig struct {
	QueueMaxSize int    `json:"queue_maxsize"`
	DropPolicy   string `json:"drop_policy"`
}

// ProgramConfig is the full decoded shape of the gateway's config file.
type ProgramConfig struct {
	GatewayID       string                 `json:"gateway_id"`
	Series          string                 `json:"series"`
	SSHPort         int                    `json:"ssh_port"`
	RebootCountPath string                 `json:"reboot_count_path"`
	ResendDir       string                 `json:"resend_dir"`
	SnapshotDBPath  string                 `json:"snapshot_db_path"`
	Monitor         MonitorConfig          `json:"monitor"`
	Health          HealthConfig           `json:"health"`
	Sender          SenderConfig           `json:"sender"`
	PubSubTopics    map[string]TopicConfig `json:"pubsub_topics"`

	// User and Group let the process start as root (needed to open
	// /dev/ttyUSB* serial ports not yet chmod'd for an unprivileged user)
	// and then drop to an unprivileged account for the rest of its life.
	// Both empty means: don't touch privileges at all.
	User  string `json:"user"`
	Group string `json:"group"`
}

// Keys holds the effective configuration after Init, seeded with defaults
// matching the reference deployment.
var Keys = ProgramConfig{
	Series:          "A1",
	SSHPort:         22,
	RebootCountPath: "./var/reboot_count",
	ResendDir:       "./var/resend",
	SnapshotDBPath:  "./var/snapshots.db",
	Monitor: MonitorConfig{
		IntervalSeconds:  1,
		DeviceTimeoutSec: 3,
		ReadConcurrency:  8,
		LogEachDevice:    false,
	},
	Health: HealthConfig{
		BaseCooldownSec:             5,
		MaxCooldownSec:              300,
		BackoffFactor:               2,
		JitterSec:                   1,
		MarkUnhealthyAfterFailures:  1,
		LongTermOfflineThresholdSec: 3600,
		MaxFailuresCap:              5,
	},
	Sender: SenderConfig{
		SendIntervalSec:        60,
		AnchorOffsetSec:        0,
		TickGraceSec:           5,
		FreshWindowSec:         90,
		LastKnownTTLSec:        600,
		AttemptCount:           3,
		MaxRetry:               5,
		FailResendEnabled:      true,
		FailResendIntervalSec:  120,
		FailResendBatch:        10,
		ResendAnchorOffsetSec:  30,
		ResendStartDelaySec:    15,
		LastPostOkWithinSec:    300,
		ResendQuotaMB:          256,
		FSFreeMinMB:            128,
		ResendProtectRecentSec: 60,
		ResendCleanupBatch:     50,
		ResendCleanupEnabled:   true,
	},
}

// Init loads configPath over the compiled-in defaults in Keys. A missing
// file is not an error: the gateway runs on defaults alone. An existing
// file must validate against the config schema and must not carry unknown
// fields.
func Init(configPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("[CONFIG] %s not found, running with compiled-in defaults", configPath)
			return nil
		}
		return err
	}

	if err := schema.Validate(schema.GatewayConfig, bytes.NewReader(raw)); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return err
	}

	log.Infof("[CONFIG] loaded %s", configPath)
	return nil
}
