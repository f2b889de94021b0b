// Package main starts one relay worker and handles termination.
//
// Several workers on one host share the message store and a Redis bus, so a
// message published on any of them reaches clients on all of them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	relaycmd "github.com/frorz1/wss/internal/cmd/relay"
	"github.com/frorz1/wss/internal/platform/config"
)

func main() {
	cfg, err := relaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relaycmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
