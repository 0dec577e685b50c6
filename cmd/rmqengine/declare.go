package main

import (
	"context"
	"fmt"

	"github.com/glimte/rmqengine"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// derivedQueue is the printable form of one queue's declarations
type derivedQueue struct {
	Queue     string                   `yaml:"queue"`
	Exchanges []map[string]interface{} `yaml:"exchanges"`
	Queues    []map[string]interface{} `yaml:"queues"`
	Bindings  []map[string]interface{} `yaml:"bindings"`
}

func derive(spec rmqengine.QueueSpec) derivedQueue {
	topology := rmqengine.Derive(spec)
	out := derivedQueue{Queue: spec.Name}
	for _, ex := range topology.Exchanges {
		out.Exchanges = append(out.Exchanges, map[string]interface{}{
			"name":        ex.Name,
			"type":        ex.Type,
			"durable":     ex.Durable,
			"auto_delete": ex.AutoDelete,
		})
	}
	for _, q := range topology.Queues {
		out.Queues = append(out.Queues, map[string]interface{}{
			"name":        q.Name,
			"durable":     q.Durable,
			"auto_delete": q.AutoDelete,
			"exclusive":   q.Exclusive,
			"arguments":   map[string]interface{}(q.Arguments),
		})
	}
	for _, b := range topology.Bindings {
		out.Bindings = append(out.Bindings, map[string]interface{}{
			"queue":       b.Queue,
			"exchange":    b.Exchange,
			"routing_key": b.RoutingKey,
		})
	}
	return out
}

func newDeclareCmd(g *globals) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the exchanges and queue chains from the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}

			if dryRun {
				derived := make([]derivedQueue, 0, len(cfg.Queues))
				for _, spec := range cfg.QueueSpecs() {
					derived = append(derived, derive(spec))
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(derived); err != nil {
					return fmt.Errorf("failed to encode topology: %w", err)
				}
				return enc.Close()
			}

			engine, err := rmqengine.New(cfg, rmqengine.WithLogger(logger))
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "declared %d queue chains\n", len(cfg.Queues))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the derived declarations without connecting")
	return cmd
}
