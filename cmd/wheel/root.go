package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CryptoGnome/options-wheel/internal/config"
	"github.com/CryptoGnome/options-wheel/internal/models"
)

var (
	flagConfig     string
	flagFreshStart bool
	flagOnce       bool

	// Zero means "use the configured value".
	flagCycleInterval  time.Duration
	flagUpdateInterval time.Duration
	flagMaxOrderAge    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "wheel",
	Short: "Automated options wheel strategy engine",
	Long: `wheel runs the options wheel: it sells cash-secured puts, takes
assignment into covered calls, and rolls expiring legs, across multiple
symbols and layers.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine with market orders",
	Long: `run executes the strategy with market orders: each sale is
submitted and held until the broker confirms the fill within the same cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd.Context(), models.PricingMarket)
	},
}

var runLimitCmd = &cobra.Command{
	Use:   "run-limit",
	Short: "Run the engine with managed limit orders",
	Long: `run-limit executes the strategy with limit orders. Working orders
are repriced toward the far side of the spread on the update interval,
cancelled when they age out, and cancelled at session close.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd.Context(), models.PricingLimit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagFreshStart, "fresh-start", false, "cancel all orders and liquidate all positions before the first cycle")
	rootCmd.PersistentFlags().BoolVar(&flagOnce, "once", false, "run a single cycle and exit")
	rootCmd.PersistentFlags().DurationVar(&flagCycleInterval, "cycle-interval", 0, "override the configured cycle interval")
	runLimitCmd.Flags().DurationVar(&flagUpdateInterval, "update-interval", 0, "override the configured limit-order update interval")
	runLimitCmd.Flags().DurationVar(&flagMaxOrderAge, "max-order-age", 0, "override the configured maximum working-order age")
	rootCmd.AddCommand(runCmd, runLimitCmd)
}

// applyScheduleFlags lets command-line durations override the config file.
func applyScheduleFlags(cfg *config.Config) {
	if flagCycleInterval > 0 {
		cfg.Schedule.CycleInterval = flagCycleInterval.String()
	}
	if flagUpdateInterval > 0 {
		cfg.Schedule.UpdateInterval = flagUpdateInterval.String()
	}
	if flagMaxOrderAge > 0 {
		cfg.Schedule.MaxOrderAge = flagMaxOrderAge.String()
	}
}

func runEngine(parent context.Context, pricing models.PricingMode) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(flagConfig, pricing)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.WithFields(map[string]interface{}{
		"mode":    a.cfg.Environment.Mode,
		"pricing": pricing,
		"symbols": a.cfg.EnabledSymbols(),
	}).Info("engine starting")

	if flagFreshStart {
		if err := a.freshStart(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	mgrCtx, mgrStop := context.WithCancel(gctx)
	defer mgrStop()
	if a.orderMgr != nil {
		g.Go(func() error {
			a.orderMgr.Run(mgrCtx)
			return nil
		})
	}

	g.Go(func() error {
		defer mgrStop()
		defer func() {
			if a.orderMgr != nil {
				// Shutdown never strands working orders.
				cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.orderMgr.CancelAll(cancelCtx)
			}
		}()

		if err := a.runCycle(gctx); err != nil {
			return err
		}
		if flagOnce {
			a.drainPending(gctx)
			return nil
		}

		ticker := time.NewTicker(a.cfg.CycleInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := a.runCycle(gctx); err != nil {
					a.logger.WithError(err).Error("cycle failed")
				}
			}
		}
	})

	return g.Wait()
}

// drainPending waits for limit orders from a single-cycle run to reach a
// terminal state, bounded by the max order age, so --once does not exit with
// unmanaged orders still working.
func (a *app) drainPending(ctx context.Context) {
	if a.orderMgr == nil {
		return
	}
	deadline := time.Now().Add(a.cfg.MaxOrderAge() + a.cfg.UpdateInterval())
	for a.orderMgr.PendingCount() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.UpdateInterval()):
		}
	}
}
