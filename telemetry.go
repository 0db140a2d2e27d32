// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roam

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDispatchCount counts frames handed to a handler.
	MetricDispatchCount        = []string{"roam", "dispatch", "count"}
	MetricDispatchErrorCount   = []string{"roam", "dispatch", "error", "count"}
	MetricDispatchUnknownCount = []string{"roam", "dispatch", "unknown", "count"}
	MetricDispatchLatency      = []string{"roam", "dispatch", "latency"}
	MetricRouteMissCount       = []string{"roam", "route", "miss", "count"}
	MetricRouteRetryCount      = []string{"roam", "route", "retry", "count"}
	MetricRouteFailCount       = []string{"roam", "route", "fail", "count"}
	MetricEntityCount          = []string{"roam", "entity", "count"}
	MetricMigrationCount       = []string{"roam", "entity", "migration", "count"}
	MetricLockAcquired         = []string{"roam", "lock", "acquired", "count"}
	MetricLockQueued           = []string{"roam", "lock", "queued", "count"}
	MetricLockTimeout          = []string{"roam", "lock", "timeout", "count"}
	MetricLockWait             = []string{"roam", "lock", "wait"}
	MetricSceneQueueDepth      = []string{"roam", "scene", "queue", "depth"}
	MetricSessionCount         = []string{"roam", "session", "established", "count"}
	MetricSessionErrorCount    = []string{"roam", "session", "error", "count"}
	MetricModuleLoadCount      = []string{"roam", "module", "load", "count"}
	MetricClusterMembers       = []string{"roam", "cluster", "members"}
	MetricClusterConflicts     = []string{"roam", "cluster", "conflict", "count"}
)

// A TelemetryLabel is the name of a label attached to metrics and log records.
type TelemetryLabel string

var (
	LabelAddress TelemetryLabel = "address"
	LabelCode    TelemetryLabel = "code"
	LabelEntity  TelemetryLabel = "entity"
	LabelError   TelemetryLabel = "error"
	LabelLock    TelemetryLabel = "lock"
	LabelModule  TelemetryLabel = "module"
	LabelNode    TelemetryLabel = "node"
	LabelOpcode  TelemetryLabel = "opcode"
	LabelPeer    TelemetryLabel = "peer"
	LabelRoute   TelemetryLabel = "route"
	LabelRPCID   TelemetryLabel = "rpc_id"
	LabelScene   TelemetryLabel = "scene"
)

// M returns a metric label with the given value.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns a log attribute with the given value.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
