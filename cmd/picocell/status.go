// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/gateway"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and cluster status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			paths := config.ResolveRuntimePaths()
			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}

			fmt.Printf("picocell %s\n", formatVersion())
			fmt.Printf("  config: %s\n", paths.ConfigPath)
			fmt.Printf("  provider: %s", cfg.Providers.Default)
			if pc, ok := cfg.ProviderFor(cfg.Providers.Default); ok {
				if pc.Model != "" {
					fmt.Printf(" (%s)", pc.Model)
				}
				if pc.APIKey == "" {
					fmt.Printf("  [no api key]")
				}
			}
			fmt.Println()
			fmt.Printf("  cluster: %d-%d nodes, max depth %d, mitosis at %.2f\n",
				cfg.Cluster.MinNodes, cfg.Cluster.MaxNodes,
				cfg.Cluster.MaxDepth, cfg.Cluster.MitosisThreshold)

			if !cfg.Gateway.Enabled {
				fmt.Println("  gateway: disabled")
				return nil
			}
			printLiveStatus(cfg.Gateway)
			return nil
		},
	}
}

// printLiveStatus asks a running gateway for the node table. A dead
// gateway is a state worth reporting, not an error.
func printLiveStatus(gw config.GatewayConfig) {
	url := fmt.Sprintf("http://%s:%d/api/status", gw.Host, gw.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("  gateway: not running")
		return
	}
	defer resp.Body.Close()

	var status gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Printf("  gateway: bad response (%v)\n", err)
		return
	}

	fmt.Printf("  gateway: up, %d client(s)\n", status.Clients)
	fmt.Printf("  nodes: %d\n", status.Size)
	for _, n := range status.Nodes {
		fmt.Printf("    %s  depth=%d status=%s load=%.2f tasks=%d success=%.2f\n",
			n.ID, n.Depth, n.Status, n.Load, n.TotalTasks, n.SuccessRate)
	}
}
