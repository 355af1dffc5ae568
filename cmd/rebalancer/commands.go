package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/rebalancer/internal/balancer"
	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
	"github.com/limiquantix/rebalancer/internal/inventory"
	"github.com/limiquantix/rebalancer/internal/report"
	"github.com/limiquantix/rebalancer/internal/repository/redis"
	"github.com/limiquantix/rebalancer/internal/server"
	"github.com/limiquantix/rebalancer/internal/services/auth"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one balancing cycle and execute its migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg.Service.Daemon = false
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := openBackends(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		engine := drs.NewEngine(*cfg, newSource(cfg, logger), b.plans, newExecutor(cfg, logger), logger,
			append(b.engineOptions(), drs.WithDryRun(dryRun))...)

		plan, err := engine.RunOnce(ctx)
		if err != nil {
			return err
		}

		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "    ")
			if err := enc.Encode(plan); err != nil {
				return err
			}
		} else {
			printPlan(plan)
		}
		return planErr(plan)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Show the cluster state and the migrations a run would plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		snap, err := newSource(cfg, logger).Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		res, err := balancer.NewEngine(cfg.Balancing, cfg.Cluster, logger).Run(cmd.Context(), snap)
		if err != nil {
			return err
		}

		if outputJSON {
			err = report.JSON(os.Stdout, res)
		} else {
			err = report.Explain(os.Stdout, res)
		}
		if err != nil {
			return err
		}
		return res.Err()
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run balancing cycles on a schedule and serve the status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg.Service.Daemon = true

		logger.Info("Starting rebalancer daemon",
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Bool("dry_run", dryRun),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := openBackends(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		hub := server.NewEventHub(logger)
		health := server.NewHealthReporter(logger)

		opts := append(b.engineOptions(),
			drs.WithDryRun(dryRun),
			drs.WithCycleHook(health.Observe),
		)
		// With Redis the hub follows the shared channel, so followers stream
		// the leader's plans too.
		if b.cache == nil {
			opts = append(opts, drs.WithPublisher(hub))
		}
		leader, err := b.campaign(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if leader != nil {
			opts = append(opts, drs.WithLeaderChecker(leader))
		}

		engine := drs.NewEngine(*cfg, newSource(cfg, logger), b.plans, newExecutor(cfg, logger), logger, opts...)

		g, gctx := errgroup.WithContext(ctx)
		if b.cache != nil {
			events := b.cache.Subscribe(gctx, redis.PlanChannel)
			g.Go(func() error {
				hub.Relay(gctx, events)
				return nil
			})
		}
		g.Go(func() error {
			engine.Start(gctx)
			return nil
		})

		if cfg.Server.Enabled {
			jwtManager := auth.NewJWTManager(cfg.Auth)
			srv := server.New(cfg, b.plans, engine, auth.NewService(cfg.Auth, jwtManager, logger), jwtManager, logger,
				append(b.serverOptions(), server.WithEventHub(hub))...)
			g.Go(func() error {
				return srv.Run(gctx)
			})
		}
		if cfg.GRPC.Enabled {
			g.Go(func() error {
				return health.Serve(gctx, cfg.GRPC.Address())
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		logger.Info("Goodbye!")
		return nil
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Inspect inventory sources",
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Print a node record for the local machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		sampler := inventory.NewHostSampler()
		sampler.DiskPath, _ = cmd.Flags().GetString("disk-path")

		rec, err := sampler.Sample(cmd.Context())
		if err != nil {
			return err
		}

		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "    ")
			return enc.Encode(rec)
		}

		const gib = float64(1 << 30)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tCPU\tMEMORY\tDISK")
		fmt.Fprintf(w, "%s\t%.1f/%d cores\t%.1f/%.1f GB\t%.1f/%.1f GB\n",
			rec.Name,
			rec.CPU.Used, rec.CPU.Total,
			rec.Memory.Used/gib, float64(rec.Memory.Total)/gib,
			rec.Disk.Used/gib, float64(rec.Disk.Total)/gib,
		)
		return w.Flush()
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash for auth.admin_password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

// bootstrap loads the configuration and builds the logger.
func bootstrap(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path, _ := cmd.Flags().GetString("inventory"); path != "" {
		cfg.Inventory.Path = path
	}
	return cfg, setupLogger(cfg.Logging), nil
}

func newSource(cfg *config.Config, logger *zap.Logger) *inventory.FileSource {
	return inventory.NewFileSource(cfg.Inventory.Path, inventory.NewBuilder(cfg.Balancing, cfg.Cluster, logger))
}

func printPlan(plan *domain.Plan) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GUEST\tTYPE\tSOURCE\tTARGET\tREASON\tSTATUS")
	for _, m := range plan.Migrations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", m.Guest, m.Type.Label(), m.Source, m.Target, m.Reason, m.Status)
	}
	w.Flush()

	fmt.Printf("\nPlan %s: %s, %d migration(s)", plan.ID, plan.State.Outcome, len(plan.Migrations))
	if plan.DryRun {
		fmt.Print(" (dry run)")
	}
	fmt.Println()
	for _, f := range plan.EvacuationFailures {
		fmt.Printf("Evacuation failed: %s on %s: %s\n", f.Guest, f.Node, f.Reason)
	}
}

// planErr turns evacuation failures into a non-zero exit.
func planErr(plan *domain.Plan) error {
	if len(plan.EvacuationFailures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d guest(s) could not leave maintenance nodes", domain.ErrEvacuationFailed, len(plan.EvacuationFailures))
}
