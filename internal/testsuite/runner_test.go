package testsuite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/configmanager"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/report"
	"github.com/vcon-dev/conserver-testsuite/pkg/client"
)

// fakeConserver emulates the subset of conserver the harness talks to. When
// a vCon is enqueued it processes it like a configured chain would: deliver
// a webhook callback to whatever URL the applied config names, and persist
// an artifact file into the configured storage path.
type fakeConserver struct {
	t *testing.T

	mu       sync.Mutex
	config   map[string]interface{}
	pushed   []map[string]interface{}
	created  int
	enqueued int
}

func newFakeConserver(t *testing.T) *fakeConserver {
	return &fakeConserver{
		t: t,
		config: map[string]interface{}{
			"chains": map[string]interface{}{
				"production_chain": map[string]interface{}{"enabled": float64(1)},
			},
		},
	}
}

func (f *fakeConserver) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(f.config)
		case http.MethodPost:
			var doc map[string]interface{}
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&doc))
			f.pushed = append(f.pushed, doc)
			f.config = doc
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/vcon", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.created++
		id := fmt.Sprintf("076b1a3e-9f41-4c78-8c1f-%012d", f.created)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": id})
	})
	mux.HandleFunc("/vcon/ingress", func(w http.ResponseWriter, r *http.Request) {
		var ids []string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&ids))
		f.mu.Lock()
		f.enqueued += len(ids)
		webhookUrl, artifactDir := f.chainTargets()
		f.mu.Unlock()
		for _, id := range ids {
			go f.process(id, webhookUrl, artifactDir)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

// chainTargets digs the webhook URL and storage path out of the currently
// applied configuration. Callers must hold mu.
func (f *fakeConserver) chainTargets() (string, string) {
	links, _ := f.config["links"].(map[string]interface{})
	webhook, _ := links["webhook"].(map[string]interface{})
	options, _ := webhook["options"].(map[string]interface{})
	urls, _ := options["webhook-urls"].([]interface{})
	webhookUrl := ""
	if len(urls) > 0 {
		webhookUrl, _ = urls[0].(string)
	}

	storages, _ := f.config["storages"].(map[string]interface{})
	fileStorage, _ := storages["file_storage"].(map[string]interface{})
	storageOptions, _ := fileStorage["options"].(map[string]interface{})
	artifactDir, _ := storageOptions["path"].(string)
	return webhookUrl, artifactDir
}

func (f *fakeConserver) process(id, webhookUrl, artifactDir string) {
	if webhookUrl != "" {
		body, _ := json.Marshal(map[string]string{"uuid": id})
		resp, err := http.Post(webhookUrl, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
		}
	}
	if artifactDir != "" {
		path := filepath.Join(artifactDir, fmt.Sprintf("vcon_%s_processed.json", id))
		_ = os.WriteFile(path, []byte(fmt.Sprintf(`{"uuid": %q}`, id)), 0o644)
	}
}

func (f *fakeConserver) lastPushed() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushed) == 0 {
		return nil
	}
	return f.pushed[len(f.pushed)-1]
}

func newTestApp(t *testing.T, conserverUrl string) *App {
	t.Helper()
	sampleDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(sampleDir, "sample.vcon"),
		[]byte(`{"meta": {}, "dialog": [], "parties": []}`), 0o644))

	a := New()
	a.Out = &bytes.Buffer{}
	a.Params.ApiConnectionDetails = &client.ConnectionDetails{
		ConserverUrl:   conserverUrl,
		RequestTimeout: 5 * time.Second,
	}
	a.Params.TestSpec = &TestSpec{
		Rate:                200,
		Amount:              10,
		Duration:            30 * time.Second,
		GracePeriod:         5 * time.Second,
		MaxInFlight:         8,
		DispatchTimeout:     5 * time.Second,
		ListenerBindAddress: "127.0.0.1:0",
		ArtifactDir:         t.TempDir(),
		ObserveArtifacts:    true,
		SampleDir:           sampleDir,
		ResultsDir:          t.TempDir(),
		ChainName:           "load_test_chain",
		IngressList:         "load_test_list",
		Thresholds:          report.Thresholds{MinSuccessRate: 0.9, MinConfirmationRate: 0.8},
		RestoreConfig:       true,
	}
	return a
}

func TestRunTestEndToEnd(t *testing.T) {
	fake := newFakeConserver(t)
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	a := newTestApp(t, server.URL)
	summary, err := a.RunTest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 10, summary.TotalDispatched)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Equal(t, 10, summary.FullyConfirmed)
	assert.Equal(t, 1.0, summary.CallbackRate)
	assert.Equal(t, 1.0, summary.ArtifactRate)
	assert.True(t, summary.Passed)
	assert.Equal(t, "restored", summary.RestoreOutcome)
	assert.NotEmpty(t, summary.RunId)

	// The last document pushed is the restored original, not the test config.
	last := fake.lastPushed()
	require.NotNil(t, last)
	chains := last["chains"].(map[string]interface{})
	assert.Contains(t, chains, "production_chain")
	assert.NotContains(t, chains, "load_test_chain")

	// A timestamped result file landed in the results directory.
	matches, err := filepath.Glob(filepath.Join(a.Params.TestSpec.ResultsDir, "testsuite-result-*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	// Alongside the configuration backup taken before the run.
	backups, err := filepath.Glob(filepath.Join(a.Params.TestSpec.ResultsDir, "conserver_config_backup_*.yml"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRunTestUnreachableConserverIsFatalSetup(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.RunTest(ctx)
	require.Error(t, err)
	var fatal *harnesserrors.ErrFatalSetup
	assert.ErrorAs(t, err, &fatal)
}

func TestRunTestRejectsInvalidSpec(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	a.Params.TestSpec.Rate = 0

	_, err := a.RunTest(context.Background())
	require.Error(t, err)
	var invalid *harnesserrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestRunTestCancelledMidRunStillRestores(t *testing.T) {
	fake := newFakeConserver(t)
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	a := newTestApp(t, server.URL)
	// Slow drip so the run is still dispatching when the cancel lands.
	a.Params.TestSpec.Rate = 2
	a.Params.TestSpec.Amount = 1000

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Second)
		cancel()
	}()

	summary, err := a.RunTest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, "restored", summary.RestoreOutcome)
	assert.Less(t, summary.TotalDispatched, 1000)

	// Exactly two pushes: the test config, then the restore. A second
	// restore would show up as a third.
	fake.mu.Lock()
	pushes := len(fake.pushed)
	fake.mu.Unlock()
	assert.Equal(t, 2, pushes)

	last := fake.lastPushed()
	require.NotNil(t, last)
	assert.Contains(t, last["chains"].(map[string]interface{}), "production_chain")
}

func TestCheckReportsAllFailuresTogether(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")
	a.Params.TestSpec.SampleDir = t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Check(ctx)
	require.Error(t, err)
	out := a.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "UNREACHABLE")
	assert.Contains(t, out, "MISSING")
}

func TestCheckPasses(t *testing.T) {
	fake := newFakeConserver(t)
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	a := newTestApp(t, server.URL)
	require.NoError(t, a.Check(context.Background()))
	assert.Contains(t, a.Out.(*bytes.Buffer).String(), "all checks passed")
}

func TestTestSpecValidate(t *testing.T) {
	valid := func() *TestSpec {
		return &TestSpec{
			Rate:        10,
			Amount:      100,
			MaxInFlight: 8,
			SampleDir:   "./samples",
			ChainName:   "c",
			IngressList: "l",
		}
	}
	require.NoError(t, valid().Validate())

	spec := valid()
	spec.Rate = -1
	assert.Error(t, spec.Validate())

	spec = valid()
	spec.Amount = 0
	spec.Duration = 0
	assert.Error(t, spec.Validate())

	spec = valid()
	spec.GracePeriod = -time.Second
	assert.Error(t, spec.Validate())

	spec = valid()
	spec.IngressList = ""
	assert.Error(t, spec.Validate())

	spec = valid()
	spec.Tracer = &configmanager.TracerStage{Name: "jlinc"}
	assert.Error(t, spec.Validate())
}
