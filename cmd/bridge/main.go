// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command bridge runs the Kaspa stratum bridge: it dials a kaspad
// node's gRPC interface, requests block templates on its behalf, and
// serves them to stratum-speaking miners over raw TCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/decred/slog"

	"github.com/kaspa-stratum/bridge/internal/bridge"
	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/kaspadrpc"
	"github.com/kaspa-stratum/bridge/internal/stratum"
	"github.com/kaspa-stratum/bridge/internal/upstream"
	"github.com/kaspa-stratum/bridge/internal/watch"
)

// config mirrors original_source/src/main.rs's Args struct: same flag
// names and defaults, translated to go-flags' struct-tag idiom.
type config struct {
	RPCURL      string `short:"r" long:"rpc-url" description:"kaspad gRPC address (host:port)" required:"true"`
	StratumAddr string `short:"s" long:"stratum-addr" description:"address to serve stratum miners on" default:"127.0.0.1:6969"`
	MiningAddr  string `short:"m" long:"mining-addr" description:"Kaspa address block rewards are paid to" required:"true"`
	ExtraData   string `short:"e" long:"extra-data" description:"coinbase extra data tag" default:"kaspad-stratum"`
	Debug       bool   `short:"d" long:"debug" description:"enable debug-level logging"`
	LogFile     string `long:"log-file" description:"rotating log file path; disabled if empty"`
}

func loadConfig() (*config, error) {
	cfg := &config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	if cfg.Debug {
		setLogLevels(slog.LevelDebug)
	} else {
		setLogLevels(slog.LevelInfo)
	}
	if cfg.LogFile != "" {
		if err := initLogRotator(filepath.Clean(cfg.LogFile)); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rpc, err := kaspadrpc.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial kaspad at %s: %w", cfg.RPCURL, err)
	}

	outbound := make(chan kaspadrpc.Payload, 64)
	cache := jobs.New(outbound)
	client := upstream.New(rpc, cache, outbound)
	jobCell := watch.NewCell[*jobs.JobParams](nil)

	server, err := stratum.NewServer(cfg.StratumAddr, cache, jobCell)
	if err != nil {
		return err
	}
	defer server.Close()

	sup := bridge.New(client, cache, jobCell, cfg.MiningAddr, cfg.ExtraData)

	log.Infof("connecting to kaspad at %s", cfg.RPCURL)
	log.Infof("serving stratum miners on %s", server.Addr())

	clientErrCh := make(chan error, 1)
	go func() { clientErrCh <- client.Run(ctx) }()

	go sup.Run(ctx)

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- server.Accept() }()

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		server.Close()
		<-clientErrCh
		return nil
	case err := <-clientErrCh:
		server.Close()
		if err != nil {
			return fmt.Errorf("upstream client exited: %w", err)
		}
		return nil
	case err := <-acceptErrCh:
		cancel()
		<-clientErrCh
		if err != nil {
			return fmt.Errorf("stratum acceptor exited: %w", err)
		}
		return nil
	}
}
