// Package main runs the interactive relay client.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	relayctlcmd "github.com/frorz1/wss/internal/cmd/relayctl"
	"github.com/frorz1/wss/internal/platform/config"
)

func main() {
	cfg, err := relayctlcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relayctlcmd.Run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		config.Exitf("relayctl: %v", err)
	}
}
