package cmd

import (
	"errors"

	"github.com/ipaas-org/ci-runner/handlers/rabbitmq"
	"github.com/ipaas-org/ci-runner/handlers/scheduler"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/spf13/cobra"
)

var (
	ErrNothingToServe  = errors.New("neither rmq.uri nor schedule.cron is set")
	ErrConsumerStopped = errors.New("rabbitmq consumer stopped after too many restarts")
)

func (c *CLI) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on queued requests and on the configured schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := c.load()
			if err != nil {
				return err
			}
			if cfg.RMQ.URI == "" && cfg.Schedule.Cron == "" {
				return ErrNothingToServe
			}

			ctx := cmd.Context()
			ctrl, cleanup, err := newController(ctx, cfg, c.userAgent(cfg), l)
			if err != nil {
				return err
			}
			defer cleanup()

			if cfg.Schedule.Cron != "" {
				s, err := scheduler.NewScheduler(cfg.Schedule.Cron, model.RunRequest{
					Pipeline:  cfg.Pipeline.Name,
					Workspace: cfg.Pipeline.Workspace,
				}, ctrl, l)
				if err != nil {
					return err
				}
				s.Start(ctx)
				defer func() {
					if err := s.Shutdown(); err != nil {
						l.Errorf("scheduler shutdown: %v", err)
					}
				}()
			}

			if cfg.RMQ.URI == "" {
				<-ctx.Done()
				l.Info("serve - signal received, stopping")
				return nil
			}

			rmq := rabbitmq.NewRabbitMQ(cfg.RMQ.URI, cfg.RMQ.RequestQueue, cfg.RMQ.ResponseQueue, ctrl, l)
			rmq.Defaults = model.RunRequest{Pipeline: cfg.Pipeline.Name, Workspace: cfg.Pipeline.Workspace}
			routineMonitor := make(chan int, 1)
			routineMonitor <- 0
			for {
				select {
				case id := <-routineMonitor:
					go rmq.Start(ctx, id, routineMonitor)
				case <-rmq.Done:
					if ctx.Err() != nil {
						l.Info("serve - signal received, stopping")
						return nil
					}
					return ErrConsumerStopped
				}
			}
		},
	}
}
