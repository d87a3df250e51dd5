package testsuite

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/build"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/configmanager"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/report"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/samples"
	"github.com/vcon-dev/conserver-testsuite/pkg/client"
)

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the application's output.
	Out io.Writer
	// Source of randomness. Tests can use a mocked random source in order to provide
	// deterministic testing behavior.
	Random io.Reader
}

// Params struct holds all user-customizable parameters.
// Using a single struct for all CLI commands ensures that all flags are distinct
// and that they can be provided either dynamically on a command line, or
// statically in a config file that's reused between command runs.
type Params struct {
	ApiConnectionDetails *client.ConnectionDetails
	TestSpec             *TestSpec
}

// New instantiates an App with default parameters, including standard output
// and cryptographically secure random source.
func New() *App {
	return &App{
		Params: &Params{TestSpec: &TestSpec{}},
		Out:    os.Stdout,
		Random: rand.Reader,
	}
}

// TestSpec describes one load-and-correlate run against a conserver.
type TestSpec struct {
	// Dispatch rate in work items per second.
	Rate float64 `mapstructure:"rate"`
	// Total item ceiling. A value of 0 indicates no ceiling.
	Amount int `mapstructure:"amount"`
	// Wall-clock ceiling on the dispatch window. 0 indicates no ceiling.
	Duration time.Duration `mapstructure:"duration"`
	// Trailing window during which late confirmations are still accepted
	// before the ledger is frozen.
	GracePeriod time.Duration `mapstructure:"gracePeriod"`
	// Cap on simultaneously in-flight dispatches.
	MaxInFlight int `mapstructure:"maxInFlight"`
	// Bounded timeout covering both remote calls of one item.
	DispatchTimeout time.Duration `mapstructure:"dispatchTimeout"`

	// Address the webhook listener binds, e.g., ":8080" or "0.0.0.0:0".
	ListenerBindAddress string `mapstructure:"listenerBindAddress"`
	// Base URL under which conserver can reach the listener. Templated into
	// the webhook stage. Defaults to http://<bound address>, which only
	// works when conserver and the harness share a network namespace.
	AdvertisedUrl string `mapstructure:"advertisedUrl"`

	// Directory scanned for persisted artifacts, as seen by the harness.
	ArtifactDir string `mapstructure:"artifactDir"`
	// The same directory as seen by conserver; templated into the storage
	// stage. Defaults to ArtifactDir.
	RemoteArtifactDir string `mapstructure:"remoteArtifactDir"`
	// Whether to observe the artifact side channel at all.
	ObserveArtifacts bool `mapstructure:"observeArtifacts"`
	// Remove stale artifact files before the run starts.
	ClearArtifacts bool `mapstructure:"clearArtifacts"`

	// Directory holding sample vCon payloads.
	SampleDir string `mapstructure:"sampleDir"`
	// Directory result files and configuration backups are written to.
	ResultsDir string `mapstructure:"resultsDir"`

	// Names used in the generated configuration.
	ChainName   string `mapstructure:"chainName"`
	IngressList string `mapstructure:"ingressList"`

	Thresholds report.Thresholds `mapstructure:"thresholds"`

	// Restore the snapshotted configuration when the run ends. On by
	// default; opting out leaves the test configuration in place.
	RestoreConfig bool `mapstructure:"restoreConfig"`

	// Optional tracing stage spliced into the chain.
	Tracer *configmanager.TracerStage `mapstructure:"tracer"`
}

func (spec *TestSpec) Validate() error {
	if spec.Rate <= 0 {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "Rate",
			Value:   spec.Rate,
			Message: "rate must be positive",
		})
	}
	if spec.Amount <= 0 && spec.Duration <= 0 {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "Amount",
			Value:   spec.Amount,
			Message: "either amount or duration must be set",
		})
	}
	if spec.MaxInFlight <= 0 {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "MaxInFlight",
			Value:   spec.MaxInFlight,
			Message: "in-flight cap must be positive",
		})
	}
	if spec.GracePeriod < 0 {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "GracePeriod",
			Value:   spec.GracePeriod,
			Message: "grace period must not be negative",
		})
	}
	if spec.SampleDir == "" {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "SampleDir",
			Value:   spec.SampleDir,
			Message: "not provided",
		})
	}
	if spec.ChainName == "" {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "ChainName",
			Value:   spec.ChainName,
			Message: "not provided",
		})
	}
	if spec.IngressList == "" {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "IngressList",
			Value:   spec.IngressList,
			Message: "not provided",
		})
	}
	if spec.Tracer != nil && (spec.Tracer.Name == "" || spec.Tracer.Module == "") {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "Tracer",
			Value:   spec.Tracer,
			Message: "tracer stage needs both a name and a module",
		})
	}
	return nil
}

// Version prints build information (e.g., current git commit) to the app output.
func (a *App) Version() error {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Version:\t%s\n", build.ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", build.GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", build.GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", build.BuildTime)
	return nil
}

// RunTest executes one complete test run. The returned summary is non-nil
// whenever the run got far enough to dispatch anything, even if err is also
// non-nil.
func (a *App) RunTest(ctx context.Context) (*report.Summary, error) {
	spec := a.Params.TestSpec
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	runner := &TestRunner{
		Out:                  a.Out,
		Random:               a.Random,
		apiConnectionDetails: a.Params.ApiConnectionDetails,
		testSpec:             spec,
	}
	err := runner.Run(ctx)
	return runner.Summary, err
}

// Check runs setup verification without mutating anything: remote service
// reachable, samples present, artifact directory writable. All checks run
// even after one fails, and the failures are reported together.
func (a *App) Check(ctx context.Context) error {
	spec := a.Params.TestSpec
	var result *multierror.Error

	c := client.New(a.Params.ApiConnectionDetails)
	if _, err := c.GetConfig(ctx); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "conserver unreachable"))
		fmt.Fprintf(a.Out, "conserver:\tUNREACHABLE (%s)\n", err)
	} else {
		fmt.Fprintf(a.Out, "conserver:\tOK (%s)\n", a.Params.ApiConnectionDetails.ConserverUrl)
	}

	if src, err := samples.NewDirSource(spec.SampleDir, a.Random); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "samples missing"))
		fmt.Fprintf(a.Out, "samples:\tMISSING (%s)\n", err)
	} else if _, err := src.Next(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "samples unreadable"))
		fmt.Fprintf(a.Out, "samples:\tUNREADABLE (%s)\n", err)
	} else {
		fmt.Fprintf(a.Out, "samples:\tOK (%s)\n", spec.SampleDir)
	}

	if spec.ObserveArtifacts {
		if err := os.MkdirAll(spec.ArtifactDir, 0o755); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, "artifact dir not writable"))
			fmt.Fprintf(a.Out, "artifact dir:\tNOT WRITABLE (%s)\n", err)
		} else {
			fmt.Fprintf(a.Out, "artifact dir:\tOK (%s)\n", spec.ArtifactDir)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	fmt.Fprintln(a.Out, "all checks passed")
	return nil
}
