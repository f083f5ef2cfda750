package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"subscription-billing/internal/application"
	"subscription-billing/internal/config"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/infra/catalog"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/infra/sched"
)

type globalFlags struct {
	configPath string
	dev        bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "billing",
		Short:         "Subscription billing service",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "path to YAML config file")
	root.PersistentFlags().BoolVar(&g.dev, "dev", false, "developer mode: console logs, noop processors")

	root.AddCommand(newServeCmd(&g))
	for _, job := range []struct{ name, short string }{
		{sched.JobRebill, "Charge subscribers due today"},
		{sched.JobExpire, "Deactivate plans past their billing date"},
		{sched.JobCleanup, "Repair active plans without a billing date"},
		{sched.JobReconcile, "Settle payments stuck in pending"},
	} {
		root.AddCommand(newJobCmd(&g, job.name, job.short))
	}
	root.AddCommand(newSetPlansCmd(&g))
	root.AddCommand(newProvisionCmd(&g))
	return root
}

// bootstrap loads config, builds the logger and wires the application.
func bootstrap(ctx context.Context, g *globalFlags) (*application.App, *config.Config, *zerolog.Logger, error) {
	cfg, err := config.LoadConfig(g.configPath, g.dev)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	app, err := application.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return app, cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			app, _, logger, err := bootstrap(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close()

			err = app.Serve(ctx)
			logger.Info().Msg("shutdown complete")
			return err
		},
	}
}

func newJobCmd(g *globalFlags, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			app, _, _, err := bootstrap(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close()

			rep, err := app.RunJob(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: scanned=%d succeeded=%d deactivated=%d failed=%d skipped=%d errors=%d\n",
				name, rep.Scanned, rep.Succeeded, rep.Deactivated, rep.Failed, rep.Skipped, rep.Errors)
			return nil
		},
	}
}

func newSetPlansCmd(g *globalFlags) *cobra.Command {
	var (
		file  string
		prune bool
	)
	cmd := &cobra.Command{
		Use:   "set-plans",
		Short: "Upsert the plan catalog from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			app, cfg, _, err := bootstrap(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close()

			if file == "" {
				file = cfg.Billing.CatalogPath
			}
			plans, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			res, err := app.Plans.SyncCatalog(ctx, plans, prune)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d plans from %s\n", res.Synced, file)
			for _, code := range res.Retired {
				fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog file (defaults to billing.catalog_path)")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete stored plans missing from the catalog")
	return cmd
}

func newProvisionCmd(g *globalFlags) *cobra.Command {
	var processor string
	cmd := &cobra.Command{
		Use:   "provision-paypal-plans",
		Short: "Create processor-side plans for subscription plans that lack one",
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := model.ParseProcessor(processor)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			app, _, _, err := bootstrap(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Plans.ProvisionProviderPlans(ctx, proc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %d %s plans\n", n, proc)
			return nil
		},
	}
	cmd.Flags().StringVar(&processor, "processor", string(model.ProcessorPayPal), "processor to provision")
	return cmd
}
