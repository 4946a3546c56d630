// Command dispatch runs the central dispatcher of a concolic-testing
// cluster: it accepts VM and SVM worker registrations on the master port
// and drives them through configuration, provisioning, and the trace/test
// exchange loop across the configured targets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/condex/internal/config"
	"github.com/me/condex/internal/dispatch"
	"github.com/me/condex/internal/logging"
	"github.com/me/condex/internal/web"
)

var (
	flagOptions   string
	flagPort      int
	flagRoot      string
	flagInterval  time.Duration
	flagLogLevel  string
	flagLogFormat string
	flagDebug     bool
)

func main() {
	root := &cobra.Command{
		Use:           "dispatch",
		Short:         "condex dispatch — concolic-testing cluster dispatcher",
		Long:          "dispatch coordinates a fleet of VM and SVM worker nodes: it collects execution traces, feeds them to symbolic executors, and routes generated test cases back to the VMs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Shorthand for --log-level=debug")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until the target queue is exhausted",
		RunE:  runDispatch,
	}
	run.Flags().StringVar(&flagOptions, "options", "", "Path to the YAML options file")
	run.Flags().IntVar(&flagPort, "port", 10012, "Master port for worker registration")
	run.Flags().StringVar(&flagRoot, "root", dispatch.RootDirName, "Dispatch root directory")
	run.Flags().DurationVar(&flagInterval, "poll-interval", 50*time.Millisecond, "Tick interval")

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		os.Exit(1)
	}
}

func runDispatch(_ *cobra.Command, _ []string) error {
	if flagDebug {
		flagLogLevel = "debug"
	}

	opts := config.Default()
	if flagOptions != "" {
		var err error
		if opts, err = config.Load(flagOptions); err != nil {
			return err
		}
	}
	if opts.Log.Level == "" {
		opts.Log.Level = flagLogLevel
	}
	if opts.Log.Format == "" {
		opts.Log.Format = flagLogFormat
	}

	logger := logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)

	d := dispatch.New(dispatch.Params{
		Options:    opts,
		MasterPort: flagPort,
		RootBase:   flagRoot,
		Logger:     logger,
	})
	if err := d.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	logger.Info("dispatcher started", "master", d.MasterAddr(), "root", flagRoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var webSrv *web.Server
	if opts.Web.Addr != "" {
		webSrv = web.New(opts.Web.Addr, d, logger)
		go func() {
			if err := webSrv.Start(); err != nil {
				logger.Error("status API", "error", err)
			}
		}()
	}

	err := d.RunLoop(ctx, flagInterval)

	if webSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := webSrv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("status API shutdown", "error", serr)
		}
		cancel()
	}

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
