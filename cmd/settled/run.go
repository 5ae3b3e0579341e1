package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stakesettle/sweep"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the settlement daemon",
		Long: `Run the sweeper and the webhook listener until interrupted.

The sweeper reconciles tracked proposals on a fixed cadence, walks vaults
for orphaned proposals on a slower one, and hands execute-ready matches to
the coordinator. The listener accepts signed notifications from the match
platform to pull individual matches forward ahead of the next tick.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, root, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "webhook listen address (overrides sweep.listen_addr)")

	return cmd
}

func runDaemon(cmd *cobra.Command, root *rootOptions, listenOverride string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Sweep.WebhookSecret == "" {
		return fmt.Errorf("settled: sweep.webhook_secret is not configured")
	}

	coord, err := a.coordinator()
	if err != nil {
		return err
	}

	log := a.logs.Logger("SWEP")
	sweeper := sweep.New(a.recon, coord, sweep.Config{
		Interval:       a.cfg.Sweep.Interval.Std(),
		OrphanInterval: a.cfg.Sweep.OrphanInterval.Std(),
		Concurrency:    a.cfg.Sweep.Concurrency,
	}, log)

	trigger := sweep.NewTrigger(a.svc, sweeper, a.cfg.Sweep.WebhookSecret, a.logs.Logger("HOOK"))

	addr := a.cfg.Sweep.ListenAddr
	if listenOverride != "" {
		addr = listenOverride
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           trigger.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("webhook listener on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("settled: webhook listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sweeper.Stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("daemon stopped")
	return nil
}
