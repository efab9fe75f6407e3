// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picocell/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cluster as a long-lived service",
		Long: "Boot the cluster with its maintenance sweeper, the websocket gateway\n" +
			"(when enabled), and the NATS event bridge (when enabled), then block\n" +
			"until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c, err := buildCell(ctx)
			if err != nil {
				return err
			}
			if err := c.startServices(ctx); err != nil {
				return err
			}

			fmt.Printf("picocell %s serving, %d node(s)\n", formatVersion(), c.cluster.Size())
			if c.cfg.Gateway.Enabled {
				fmt.Printf("  gateway: ws://%s:%d/events\n", c.cfg.Gateway.Host, c.cfg.Gateway.Port)
			}
			if c.nats != nil {
				fmt.Printf("  nats: %s (%s)\n", c.cfg.NATS.URL, c.cfg.NATS.SubjectPrefix)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			s := <-sig
			logger.InfoCF("cell", "shutting down", map[string]any{"signal": s.String()})
			cancel()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			c.shutdown(stopCtx)
			return nil
		},
	}
}
