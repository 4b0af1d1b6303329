package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

func newServeCmd(a *app) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the dummy service until interrupted",
		Long: `Hosts the "dummy" service (echo, reject, crash), registers its schemas and logs
every event named by --event. Stops on SIGINT or SIGTERM, draining in-flight work.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.serve(ctx, events)
		},
	}

	cmd.Flags().StringSliceVar(&events, "event", nil, "event names to subscribe to (repeatable)")

	return cmd
}

func (a *app) serve(ctx context.Context, events []string) error {
	bus, cleanup, err := a.newBus(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bus.RegisterService(demoService, dummyService(a.logger))

	for _, name := range events {
		bus.Subscribe(name, servicebus.WrapEvent(func(ctx context.Context, p cbus.Payload) error {
			a.logger.InfoContext(ctx, "event received", "event", name, "operationId", p.Meta.OperationID(), "data", string(p.Data))
			return nil
		}, "busd.events", a.logger))
	}

	if err := servicebus.RegisterSchemas(ctx, bus, demoService, dummySchemas()); err != nil {
		return err
	}

	if err := bus.PrefetchSchemas(ctx); err != nil {
		return err
	}

	if err := bus.Listen(ctx); err != nil {
		return err
	}

	a.logger.Info("serving", "service", demoService, "events", events)

	<-ctx.Done()

	a.logger.Info("shutting down")

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Options().WithDefaults().DrainTimeout)
	defer cancel()

	return bus.Teardown(teardownCtx)
}
