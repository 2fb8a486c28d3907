package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/abrkgrbz/Stocker-sub077/resilience"
	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/config"
	"github.com/abrkgrbz/Stocker-sub077/resilience/diagnostics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	resilienceHTTP "github.com/abrkgrbz/Stocker-sub077/resilience/net/http"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/abrkgrbz/Stocker-sub077/resilience/server"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var errUnhealthy = errors.New("resilience layer is unhealthy")

type rootOptions struct {
	configPath string
	chaosPath  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "resilienced",
		Short:         "Run and inspect the inventory resilience layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.chaosPath, "chaos-config", "", "path to a chaos rules file (refused in production)")

	root.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newDiagnoseCmd(opts), newChaosCmd())

	return root
}

func (opts *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.chaosPath != "" {
		cfg.Chaos.File = opts.chaosPath

		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workers and the health endpoints until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), cfg, logger, nil)
		},
	}
}

// serve runs until a signal or until shutdown is closed.
func serve(ctx context.Context, cfg *config.Config, logger log.Logger, shutdown <-chan struct{}) error {
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.close(); err != nil {
			logger.Log(context.Background(), log.LevelWarn, "closing connections", log.Err(err))
		}
	}()

	telemetry := st.releaseTelemetry()

	manager := server.NewServerManager(telemetry, logger).
		WithShutdownTimeout(cfg.Server.ShutdownTimeout)

	if shutdown != nil {
		manager.WithShutdownChannel(shutdown)
	}

	aggregator := st.newAggregator(diagnostics.WithListener(manager.ObserveVerdict))

	routes := resilienceHTTP.Routes{
		Version:     cfg.Service.Version,
		Health:      aggregator,
		Breakers:    st.breakers,
		RetryQueue:  st.retryQueue,
		Outbox:      st.outbox,
		Webhooks:    st.webhooks,
		Metrics:     telemetry.Registry,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	manager.WithHTTPServer(resilienceHTTP.NewApp(routes, logger), cfg.Server.Address)

	if cfg.Server.GRPCAddress != "" {
		manager.WithGRPCServer(grpc.NewServer(), cfg.Server.GRPCAddress)
	}

	proberCtx, stopProber := context.WithCancel(context.WithoutCancel(ctx))
	defer stopProber()

	if st.prober != nil {
		runtime.SafeGoWithContextAndComponent(proberCtx, logger, "circuitbreaker", "prober", runtime.KeepRunning,
			func(ctx context.Context) {
				_ = st.prober.Run(ctx)
			})
	}

	// Stop consuming before the servers stop answering probes; workers drain
	// in this order.
	manager.
		WithWorker("retry-worker", st.retryWorker).
		WithWorker("outbox-processor", st.outbox).
		WithWorker("audit-fallback", st.audit).
		WithWorker("diagnostics", server.StopFunc(func(context.Context) error {
			aggregator.Stop()
			stopProber()

			return nil
		}))

	launcher := resilience.NewLauncher(
		resilience.WithLogger(logger),
		resilience.RunApp("retry-worker", st.retryWorker),
		resilience.RunApp("outbox-processor", st.outbox),
		resilience.RunApp("audit-fallback", st.audit),
		resilience.RunApp("diagnostics", aggregator),
	)

	launched := make(chan error, 1)

	runtime.SafeGoWithContextAndComponent(ctx, logger, "resilienced", "launcher", runtime.KeepRunning,
		func(context.Context) {
			launched <- launcher.RunWithError()
		})

	serveErr := manager.StartWithGracefulShutdown()

	return errors.Join(serveErr, <-launched)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema for retry entries, outbox, webhooks and audit logs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			if cfg.Storage != config.StoragePostgres {
				return fmt.Errorf("migrate requires storage %q, got %q", config.StoragePostgres, cfg.Storage)
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			st := &stack{cfg: cfg, logger: logger, breakers: circuitbreaker.NewRegistry(logger)}
			defer func() { _ = st.close() }()

			if err := st.connect(cmd.Context()); err != nil {
				return err
			}

			return st.postgres.Migrate(cmd.Context())
		},
	}
}

func newDiagnoseCmd(opts *rootOptions) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Print one health report as JSON; exits non-zero when Unhealthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			return diagnose(cmd, cfg, log.NewNop(), tenantID)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "scope the report to one tenant")

	return cmd
}

func diagnose(cmd *cobra.Command, cfg *config.Config, logger log.Logger, tenantID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() { _ = st.close() }()

	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		ctx = tenant.ContextWithID(ctx, tenantID)
	}

	report := st.newAggregator().Check(ctx)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(report); err != nil {
		return err
	}

	if report.Verdict == diagnostics.Unhealthy {
		return errUnhealthy
	}

	return nil
}

func newChaosCmd() *cobra.Command {
	chaosCmd := &cobra.Command{
		Use:   "chaos",
		Short: "Inspect chaos rule files",
	}

	chaosCmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Parse a chaos rules file and list its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := chaos.LoadFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled: %t, %d rule(s)\n", rules.Enabled, len(rules.Rules))

			for _, rule := range rules.Rules {
				fmt.Fprintf(out, "  %s %s p=%.2f delay=%s\n", rule.Target, rule.FaultType, rule.Probability, rule.Delay)
			}

			return nil
		},
	})

	return chaosCmd
}
