package testsuite

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/configmanager"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/dispatcher"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/listener"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/metrics"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/report"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/samples"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/scheduler"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/tracker"
	"github.com/vcon-dev/conserver-testsuite/pkg/client"
)

const (
	// How long in-flight confirmations get to land after an operator
	// interrupt, instead of the full grace window.
	cancelDrainWindow = 2 * time.Second
	// Restore runs on a background context so an interrupt can't kill it.
	restoreTimeout      = 30 * time.Second
	pendingPollInterval = 250 * time.Millisecond
	progressLogInterval = 10 * time.Second
)

// TestRunner sequences one run: snapshot config, start the listener, apply
// the test config, dispatch at the configured rate, wait out the grace
// window, freeze the ledger, aggregate, and restore the config. The restore
// happens on every exit path.
type TestRunner struct {
	// Out is used to write output.
	Out io.Writer
	// Source of randomness for sample selection.
	Random io.Reader
	// Connection details of the conserver deployment to test.
	apiConnectionDetails *client.ConnectionDetails
	// Test to run.
	testSpec *TestSpec
	// Populated by Run whenever the run got far enough to dispatch.
	Summary *report.Summary
}

func (srv *TestRunner) Run(ctx context.Context) error {
	spec := srv.testSpec
	runId := shortuuid.New()
	startedAt := time.Now()
	fmt.Fprintf(srv.Out, "starting test run %s (rate=%g/s, amount=%d, duration=%s, grace=%s)\n",
		runId, spec.Rate, spec.Amount, spec.Duration, spec.GracePeriod)

	src, err := samples.NewDirSource(spec.SampleDir, srv.Random)
	if err != nil {
		return err
	}

	c := client.New(srv.apiConnectionDetails)
	m := metrics.New()
	track := tracker.New()

	backupDir := spec.ResultsDir
	if backupDir == "" {
		backupDir = "."
	}
	manager := configmanager.New(c, backupDir)

	// Snapshot before anything else. Failure here is fatal, and safely so:
	// nothing has been mutated yet.
	snapshot, err := manager.Snapshot(ctx)
	if err != nil {
		return err
	}

	if spec.ObserveArtifacts && spec.ClearArtifacts {
		if n, err := configmanager.ClearArtifacts(spec.ArtifactDir); err != nil {
			log.WithError(err).Warn("could not clear stale artifacts")
		} else if n > 0 {
			log.Infof("cleared %d stale artifact files", n)
		}
	}

	// The listener binds before the test config is generated so its address
	// is stable and can be templated into the webhook stage.
	lst := listener.New(spec.ListenerBindAddress, track, m)
	if err := lst.Listen(); err != nil {
		return err
	}

	// The listener outlives the dispatch window: it is stopped only after
	// the grace period closes, so it runs on its own context.
	listenerCtx, stopListener := context.WithCancel(context.Background())
	defer stopListener()
	listenerGroup, listenerCtx := errgroup.WithContext(listenerCtx)
	listenerGroup.Go(func() error { return lst.Run(listenerCtx) })
	if spec.ObserveArtifacts {
		observer := listener.NewArtifactObserver(spec.ArtifactDir, track, m)
		listenerGroup.Go(func() error { return observer.Run(listenerCtx) })
	}

	advertised := spec.AdvertisedUrl
	if advertised == "" {
		advertised = "http://" + lst.Addr()
	}
	remoteArtifactDir := spec.RemoteArtifactDir
	if remoteArtifactDir == "" {
		remoteArtifactDir = spec.ArtifactDir
	}
	testConfig := &configmanager.TestConfigSpec{
		ChainName:   spec.ChainName,
		IngressList: spec.IngressList,
		WebhookUrl:  strings.TrimRight(advertised, "/") + "/webhook",
		ArtifactDir: remoteArtifactDir,
		Tags: map[string]string{
			"load_test": "true",
			"test_id":   runId,
			"timestamp": startedAt.UTC().Format(time.RFC3339),
		},
		Tracer: spec.Tracer,
	}

	// From here on the remote configuration is mutated. Restore must be
	// attempted exactly once on every exit path, unless the operator opted
	// out; its outcome is reported in the summary rather than propagated.
	restoreOutcome := "skipped (restore disabled)"
	var restoreOnce sync.Once
	restore := func() {
		restoreOnce.Do(func() {
			if !spec.RestoreConfig {
				log.Info("skipping configuration restore")
				return
			}
			restoreCtx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
			defer cancel()
			if err := manager.Restore(restoreCtx, snapshot); err != nil {
				restoreOutcome = fmt.Sprintf("FAILED (%s); recover manually from %s", err, snapshot.Path)
				log.WithError(err).Errorf("configuration restore failed; snapshot retained at %s", snapshot.Path)
			} else {
				restoreOutcome = "restored"
			}
		})
	}
	defer restore()

	if err := manager.Apply(ctx, testConfig); err != nil {
		return err
	}

	// Dispatch window: scheduler and dispatcher run until the permit budget
	// is exhausted, the duration ceiling is hit, or the operator cancels.
	sched := scheduler.New(spec.Rate, spec.Amount, spec.Duration)
	disp := &dispatcher.Dispatcher{
		Client:          c,
		Tracker:         track,
		Samples:         src,
		Metrics:         m,
		IngressList:     spec.IngressList,
		RunId:           runId,
		MaxInFlight:     spec.MaxInFlight,
		DispatchTimeout: spec.DispatchTimeout,
	}

	progressCtx, stopProgress := context.WithCancel(context.Background())
	go srv.logProgress(progressCtx, track, disp)

	g, dispatchCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(dispatchCtx) })
	g.Go(func() error { return disp.Run(dispatchCtx, sched.C) })
	runErr := g.Wait()
	stopProgress()

	cancelled := errors.Is(runErr, context.Canceled) || ctx.Err() != nil
	if runErr != nil && !cancelled {
		// Infrastructure failure rather than a per-item one. Still freeze
		// and report what happened before the failure; restore is deferred.
		log.WithError(runErr).Error("dispatch window ended abnormally")
	}

	// Grace window for late confirmations. After an interrupt, only a short
	// final drain: the operator asked to stop, not to wait.
	grace := spec.GracePeriod
	if cancelled && grace > cancelDrainWindow {
		grace = cancelDrainWindow
	}
	expected := []tracker.ConfirmationKind{tracker.ConfirmationCallback}
	if spec.ObserveArtifacts {
		expected = append(expected, tracker.ConfirmationArtifact)
	}
	srv.awaitConfirmations(track, grace, expected)

	stopListener()
	if err := listenerGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("listener did not shut down cleanly")
	}

	track.Freeze()

	// Restore before emitting the result so its outcome lands in the
	// summary; the deferred call then becomes a no-op.
	restore()

	summary := report.Summarize(track.Entries(), disp.Records(), track.Orphaned(), spec.Thresholds)
	summary.RunId = runId
	summary.StartedAt = startedAt
	summary.FinishedAt = time.Now()
	summary.RestoreOutcome = restoreOutcome
	srv.Summary = summary

	if spec.ResultsDir != "" {
		result := &report.TestResult{GeneratedAt: summary.FinishedAt, Params: spec, Summary: summary}
		if path, err := report.WriteResultFile(spec.ResultsDir, result); err != nil {
			log.WithError(err).Warn("could not write result file")
		} else {
			fmt.Fprintf(srv.Out, "results written to %s\n", path)
		}
	}
	summary.Print(srv.Out)

	return runErr
}

// awaitConfirmations sleeps out the grace window, returning early once no
// entry is missing a confirmation from any expected channel.
func (srv *TestRunner) awaitConfirmations(track *tracker.Tracker, grace time.Duration, expected []tracker.ConfirmationKind) {
	if grace <= 0 || track.Len() == 0 {
		return
	}
	log.Infof("waiting up to %s for late confirmations", grace)
	deadline := time.After(grace)
	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()
	for {
		if track.PendingConfirmations(expected...) == 0 {
			log.Info("all confirmations arrived before the grace window closed")
			return
		}
		select {
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

func (srv *TestRunner) logProgress(ctx context.Context, track *tracker.Tracker, disp *dispatcher.Dispatcher) {
	ticker := time.NewTicker(progressLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.WithFields(log.Fields{
				"dispatched": len(disp.Records()),
				"registered": track.Len(),
				"awaiting":   track.PendingConfirmations(tracker.ConfirmationCallback),
				"orphaned":   track.Orphaned(),
			}).Info("test progress")
		}
	}
}
