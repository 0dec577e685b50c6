package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/rmqengine"
	"github.com/glimte/rmqengine/health"
	"github.com/glimte/rmqengine/messaging"
	"github.com/glimte/rmqengine/monitor"
	"github.com/spf13/cobra"
)

var errForcedFailure = errors.New("forced failure")

type consumeFlags struct {
	queues     []string
	fail       bool
	healthAddr string
}

// logHandler logs every message and fails it when fail is set
func logHandler(logger *slog.Logger, fail bool) messaging.HandlerFunc {
	return func(ctx context.Context, msg *messaging.Message) error {
		logger.Info("message received",
			"queue", msg.Queue,
			"routingKey", msg.RoutingKey,
			"messageId", msg.MessageID,
			"attempt", msg.Attempt,
			"body", msg.Text())
		if fail {
			return errForcedFailure
		}
		return nil
	}
}

func newConsumeCmd(g *globals) *cobra.Command {
	f := &consumeFlags{}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the configured queues and log every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("shutting down")
				cancel()
			}()

			shutdownTelemetry, err := monitor.InitProvider(ctx, cfg.Telemetry, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				if err := shutdownTelemetry(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			metrics, err := monitor.NewMetrics()
			if err != nil {
				return err
			}

			engine, err := rmqengine.New(cfg,
				rmqengine.WithLogger(logger),
				rmqengine.WithMetrics(metrics))
			if err != nil {
				return err
			}

			queues := f.queues
			if len(queues) == 0 {
				for _, q := range cfg.Queues {
					queues = append(queues, q.Name)
				}
			}
			if len(queues) == 0 {
				return fmt.Errorf("no queues configured")
			}
			for _, queue := range queues {
				if err := engine.Register(queue, "", logHandler(logger, f.fail)); err != nil {
					return err
				}
			}

			if f.healthAddr != "" {
				server := &http.Server{
					Addr:              f.healthAddr,
					Handler:           health.NewRouter(engine.HealthRegistry()),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "error", err)
					}
				}()
				defer server.Close()
				logger.Info("serving health", "addr", f.healthAddr)
			}

			return engine.Run(ctx)
		},
	}

	cmd.Flags().StringSliceVarP(&f.queues, "queue", "q", nil, "queues to consume, defaults to every configured queue")
	cmd.Flags().BoolVar(&f.fail, "fail", false, "fail every message to exercise retry and dead-lettering")
	cmd.Flags().StringVar(&f.healthAddr, "health-addr", "", "serve /healthz and /livez on this address")
	return cmd
}
