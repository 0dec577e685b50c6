package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/rmqengine"
	"github.com/spf13/cobra"
)

type publishFlags struct {
	exchange   string
	routingKey string
	body       string
	priority   uint8
	group      string
	timeout    time.Duration
}

// payload sends valid JSON as JSON and anything else as text
func (f *publishFlags) payload() interface{} {
	if json.Valid([]byte(f.body)) {
		return json.RawMessage(f.body)
	}
	return f.body
}

func newPublishCmd(g *globals) *cobra.Command {
	f := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}

			engine, err := rmqengine.New(cfg, rmqengine.WithLogger(logger))
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()

			if err := engine.Start(ctx); err != nil {
				return err
			}

			opts := []rmqengine.PublishOption{rmqengine.WithPersistent()}
			if f.priority > 0 {
				opts = append(opts, rmqengine.WithPriority(f.priority))
			}
			if f.group != "" {
				opts = append(opts, rmqengine.WithChannelGroup(f.group))
			}

			if err := engine.Publish(ctx, f.exchange, f.routingKey, f.payload(), opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s with key %s\n", f.exchange, f.routingKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.exchange, "exchange", "e", "", "exchange to publish to")
	cmd.Flags().StringVarP(&f.routingKey, "routing-key", "k", "", "routing key")
	cmd.Flags().StringVarP(&f.body, "body", "b", "", "message body, sent as JSON when it parses as JSON")
	cmd.Flags().Uint8Var(&f.priority, "priority", 0, "message priority")
	cmd.Flags().StringVar(&f.group, "group", "", "channel group to publish on")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("routing-key")
	return cmd
}
