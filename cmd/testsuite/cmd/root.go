package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite"
	"github.com/vcon-dev/conserver-testsuite/pkg/client"
)

// Exit codes. A fatal setup failure (remote unreachable at snapshot time) is
// distinguished from a test verdict failure so wrapping scripts can tell
// "the test ran and failed" apart from "the test never ran".
const (
	exitPass       = 0
	exitFail       = 1
	exitFatalSetup = 2
)

// Execute runs the root command and maps its result to a process exit code.
func Execute() int {
	err := RootCmd().Execute()
	if err == nil {
		return exitPass
	}
	var fatal *harnesserrors.ErrFatalSetup
	if errors.As(err, &fatal) {
		return exitFatalSetup
	}
	return exitFail
}

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testsuite",
		Short: "testsuite validates a conserver deployment end to end.",
		Long: `testsuite validates a conserver deployment by dispatching synthetic vCons
at a controlled rate and correlating the asynchronous confirmations (webhook
callbacks and persisted artifacts) back to each dispatched item.

Connection flags can be provided on the command line or via TESTSUITE_*
environment variables, e.g. TESTSUITE_CONSERVERURL and TESTSUITE_APITOKEN.`,
	}

	client.AddConserverApiConnectionCommandlineArgs(cmd)

	cmd.AddCommand(
		versionCmd(testsuite.New()),
		runCmd(testsuite.New()),
		checkCmd(testsuite.New()),
	)

	return cmd
}

// Print version info and exit.
func versionCmd(app *testsuite.App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Version()
		},
	}
}

// Dispatch vCons at a controlled rate and correlate confirmations.
// Prints summary statistics on exit.
func runCmd(app *testsuite.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Test a conserver deployment by dispatching vCons and correlating confirmations.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			start := time.Now()
			summary, err := app.RunTest(ctx)
			fmt.Fprintf(app.Out, "\nRuntime: %s\n", time.Since(start))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if summary == nil || !summary.Passed {
				fmt.Fprint(app.Out, "TEST FAILED\n")
				return errors.New("test verdict: failed")
			}
			fmt.Fprint(app.Out, "TEST SUCCEEDED\n")
			return nil
		},
	}
	addTestFlags(cmd)
	return cmd
}

// Verify the setup without mutating anything.
func checkCmd(app *testsuite.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the remote service, samples, and directories without running a test.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return app.Check(ctx)
		},
	}
	addTestFlags(cmd)
	return cmd
}

func addTestFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("rate", 10, "work items dispatched per second")
	cmd.Flags().Int("amount", 100, "total number of work items (0 for no ceiling)")
	cmd.Flags().Duration("duration", 60*time.Second, "dispatch window ceiling (0 for no ceiling)")
	cmd.Flags().Duration("gracePeriod", 10*time.Second, "trailing window for late confirmations")
	cmd.Flags().Int("maxInFlight", 32, "cap on simultaneously in-flight dispatches")
	cmd.Flags().Duration("dispatchTimeout", 10*time.Second, "timeout covering both remote calls of one item")
	cmd.Flags().String("listenerBindAddress", ":8080", "address the webhook listener binds")
	cmd.Flags().String("advertisedUrl", "", "base URL under which conserver reaches the listener (defaults to the bound address)")
	cmd.Flags().String("artifactDir", "./test_results", "directory scanned for persisted artifacts")
	cmd.Flags().String("remoteArtifactDir", "", "artifact directory as seen by conserver (defaults to artifactDir)")
	cmd.Flags().Bool("observeArtifacts", true, "observe the persisted-artifact side channel")
	cmd.Flags().Bool("clearArtifacts", false, "remove stale artifact files before the run")
	cmd.Flags().String("sampleDir", "./sample_vcons", "directory holding sample vCon payloads")
	cmd.Flags().String("resultsDir", "./test_results", "directory for result files and config backups")
	cmd.Flags().String("chainName", "load_test_chain", "name of the generated processing chain")
	cmd.Flags().String("ingressList", "load_test_list", "ingress list items are enqueued onto")
	cmd.Flags().Float64("minSuccessRate", 0.9, "minimum dispatch success rate for a pass")
	cmd.Flags().Float64("minConfirmationRate", 0.8, "minimum callback confirmation rate for a pass")
	cmd.Flags().Bool("restoreConfig", true, "restore the original conserver configuration after the run")
	addTracerFlags(cmd)
}

func initParams(cmd *cobra.Command, app *testsuite.App) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return errors.WithStack(err)
	}
	viper.SetEnvPrefix("TESTSUITE")
	viper.AutomaticEnv()

	app.Params.ApiConnectionDetails = client.ExtractCommandlineConserverApiConnectionDetails()
	spec := app.Params.TestSpec
	spec.Rate = viper.GetFloat64("rate")
	spec.Amount = viper.GetInt("amount")
	spec.Duration = viper.GetDuration("duration")
	spec.GracePeriod = viper.GetDuration("gracePeriod")
	spec.MaxInFlight = viper.GetInt("maxInFlight")
	spec.DispatchTimeout = viper.GetDuration("dispatchTimeout")
	spec.ListenerBindAddress = viper.GetString("listenerBindAddress")
	spec.AdvertisedUrl = viper.GetString("advertisedUrl")
	spec.ArtifactDir = viper.GetString("artifactDir")
	spec.RemoteArtifactDir = viper.GetString("remoteArtifactDir")
	spec.ObserveArtifacts = viper.GetBool("observeArtifacts")
	spec.ClearArtifacts = viper.GetBool("clearArtifacts")
	spec.SampleDir = viper.GetString("sampleDir")
	spec.ResultsDir = viper.GetString("resultsDir")
	spec.ChainName = viper.GetString("chainName")
	spec.IngressList = viper.GetString("ingressList")
	spec.Thresholds.MinSuccessRate = viper.GetFloat64("minSuccessRate")
	spec.Thresholds.MinConfirmationRate = viper.GetFloat64("minConfirmationRate")
	spec.RestoreConfig = viper.GetBool("restoreConfig")

	if viper.GetBool("tracerEnabled") {
		spec.Tracer = tracerStageFromViper()
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so an
// interrupted run still drains in-flight work and restores the remote
// configuration.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-stopSignal:
			cancel()
		}
	}()
	return ctx, cancel
}
