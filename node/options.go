// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package node

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/creachadair/roam/packet"
	"github.com/creachadair/roam/roaming"
	"github.com/hashicorp/go-metrics"
)

type options struct {
	log          *slog.Logger
	tls          *tls.Config
	metricLabels []metrics.Label
	logFrames    bool
	pool         *packet.BufferPool
	onTerminus   func(context.Context, *roaming.Terminus) error
}

// An Option configures a [Node].
type Option func(*options)

// WithLogger sets the logger for the node and everything it hosts.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithTLS sets the TLS configuration used by the QUIC transport, for both
// the listener and outbound connections. It is required if the configured
// transport is "quic".
func WithTLS(conf *tls.Config) Option {
	return func(o *options) { o.tls = conf }
}

// WithMetricLabels adds static labels to the gossip metrics of the node.
func WithMetricLabels(labels ...metrics.Label) Option {
	return func(o *options) { o.metricLabels = labels }
}

// WithFrameLog enables debug logging of every frame sent and received by the
// sessions of the node.
func WithFrameLog(enable bool) Option {
	return func(o *options) { o.logFrames = enable }
}

// WithBufferPool sets the pool that supplies the payload buffers of frames
// received from peers. By default, each node has a pool of its own.
func WithBufferPool(pool *packet.BufferPool) Option {
	return func(o *options) {
		if pool != nil {
			o.pool = pool
		}
	}
}

// WithTerminusHook sets a function called for each roaming terminus created
// on a scene of the node, before the terminus is added to its scene. If f
// reports an error, the terminus is not created.
func WithTerminusHook(f func(context.Context, *roaming.Terminus) error) Option {
	return func(o *options) { o.onTerminus = f }
}
