// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/sipeed/picocell/pkg/events"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [task]",
		Short: "Execute a task through the cluster",
		Long: "Run a single task through the adaptive loop and print its events.\n" +
			"Without an argument, starts an interactive session.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			c, err := buildCell(ctx)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				runOnce(ctx, c, args[0])
				return nil
			}
			return interactive(ctx, c)
		},
	}
}

// runOnce pushes one task through the loop and renders its event stream.
// Lifecycle events ride the shared bus rather than the run channel, so
// they get their own taps for the duration of the run.
func runOnce(ctx context.Context, c *cell, input string) {
	var subs []events.HandlerID
	for _, t := range []string{
		events.TypeMitosis, events.TypeApoptosis, events.TypeReward, events.TypeEvolution,
	} {
		subs = append(subs, c.bus.Subscribe(t, renderEvent))
	}
	defer func() {
		for _, id := range subs {
			c.bus.Unsubscribe(id)
		}
	}()

	for ev := range c.loop.Execute(ctx, input) {
		renderEvent(ev)
	}
}

// interactive reads tasks from a readline prompt until exit/quit or EOF.
func interactive(ctx context.Context, c *cell) error {
	fmt.Printf("picocell %s, %d node(s) ready. Type a task, or 'exit' to leave.\n",
		formatVersion(), c.cluster.Size())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "picocell> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".picocell_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		runOnce(ctx, c, input)
	}
}

// renderEvent prints one loop event in a terminal-friendly line. Unknown
// types are shown bare so nothing disappears silently.
func renderEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeTaskSensed:
		fmt.Printf("· sensed domain=%v complexity=%.2f budget=%v\n",
			ev.Data["domain"], toFloat(ev.Data["complexity"]), ev.Data["token_budget"])
	case events.TypeAuctionWon:
		fmt.Printf("· node %s takes the task (%v)\n", ev.NodeID, ev.Data["tier"])
	case events.TypeMitosis:
		fmt.Printf("· split: child %s under %v\n", ev.NodeID, ev.Data["parent"])
	case events.TypeApoptosis:
		fmt.Printf("· retired node %s\n", ev.NodeID)
	case events.TypeReward:
		fmt.Printf("· reward %.2f for node %s\n", toFloat(ev.Data["reward"]), ev.NodeID)
	case events.TypeEvolution:
		fmt.Printf("· boosted %v on node %s\n", ev.Data["domain"], ev.NodeID)
	case events.TypeError:
		fmt.Printf("✗ %v (%v)\n", ev.Data["error"], ev.Data["code"])
	case events.TypeDone:
		content, _ := ev.Data["content"].(string)
		if content != "" {
			fmt.Printf("\n%s\n", content)
		}
		fmt.Printf("\n[done success=%v tokens=%v duration=%vms]\n",
			ev.Data["success"], ev.Data["token_cost"], ev.Data["duration_ms"])
	default:
		fmt.Printf("· %s\n", ev.Type)
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
