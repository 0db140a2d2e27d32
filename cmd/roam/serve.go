// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/roam/config"
	"github.com/creachadair/roam/node"
	"github.com/hashicorp/go-metrics"
)

var serveFlags struct {
	Config    string `flag:"config,default=roam.yaml,Configuration file path (.yaml or .toml)"`
	LogFrames bool   `flag:"log-frames,Log every frame at debug level"`
	Cert      string `flag:"tls-cert,TLS certificate file (PEM), required for QUIC"`
	Key       string `flag:"tls-key,TLS private key file (PEM)"`
	CA        string `flag:"tls-ca,CA bundle (PEM) for verifying peers"`
}

func serveCommand() *command.C {
	return &command.C{
		Name: "serve",
		Help: `Run a node as described by a configuration file.

The node hosts the scenes assigned to it by the configuration and listens for
sessions from peers. Changes to the configuration file are applied while the
node runs; changes to the node or its scenes take effect on restart.

Send SIGUSR1 to dump the in-memory metrics to stderr.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &serveFlags) },
		Run:      runServe,
	}
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments: %q", env.Args)
	}
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	log := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(log)

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	dump := metrics.DefaultInmemSignal(sink)
	defer dump.Stop()
	mconf := metrics.DefaultConfig("roam")
	mconf.EnableHostname = false
	if _, err := metrics.NewGlobal(mconf, sink); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	tconf, err := loadTLS()
	if err != nil {
		return err
	}
	n, err := node.New(cfg,
		node.WithLogger(log),
		node.WithTLS(tconf),
		node.WithFrameLog(serveFlags.LogFrames),
		node.WithMetricLabels(metrics.Label{Name: "node", Value: cfg.Node.Name}),
	)
	if err != nil {
		return err
	}

	w, err := config.Watch(serveFlags.Config, &config.WatchOptions{Logger: log})
	if err != nil {
		return err
	}
	defer w.Stop()
	w.OnChange(n.Reconfigure)

	if err := n.Start(); err != nil {
		return err
	}
	log.Info("node running", slog.String("addr", n.Addr()))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Info("stopping node")
	return n.Stop()
}

// loadTLS returns the TLS configuration described by the flags, or nil if no
// certificate is given.
func loadTLS() (*tls.Config, error) {
	if serveFlags.Cert == "" {
		if serveFlags.Key != "" || serveFlags.CA != "" {
			return nil, errors.New("--tls-key and --tls-ca require --tls-cert")
		}
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(serveFlags.Cert, cmp.Or(serveFlags.Key, serveFlags.Cert))
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"roam"},
		MinVersion:   tls.VersionTLS13,
	}
	if serveFlags.CA != "" {
		pem, err := os.ReadFile(serveFlags.CA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", serveFlags.CA)
		}
		conf.RootCAs = pool
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}
