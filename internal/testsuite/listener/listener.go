// Package listener implements the inbound side of the harness: an HTTP
// server receiving webhook callbacks from conserver, and an observer that
// watches the configured storage directory for persisted vCon artifacts.
// Both feed confirmation events into the correlation tracker.
package listener

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/metrics"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/tracker"
)

const shutdownGrace = 5 * time.Second

// Listener accepts confirmation callbacks for the lifetime of a test run.
// It must be started before the test configuration is applied so that its
// address is stable and can be templated into the webhook stage.
type Listener struct {
	// Address to bind, e.g., ":8080". Port 0 picks a free port; use Addr to
	// recover the address actually bound.
	BindAddress string
	Tracker     *tracker.Tracker
	Metrics     *metrics.Metrics

	listener net.Listener
	server   *http.Server
	received []map[string]interface{}
	mu       sync.Mutex
}

func New(bindAddress string, t *tracker.Tracker, m *metrics.Metrics) *Listener {
	return &Listener{
		BindAddress: bindAddress,
		Tracker:     t,
		Metrics:     m,
	}
}

// Listen binds the listener's address. Separate from Run so the orchestrator
// can embed the bound address into the test configuration before serving
// begins to matter.
func (srv *Listener) Listen() error {
	ln, err := net.Listen("tcp", srv.BindAddress)
	if err != nil {
		return errors.Wrapf(err, "binding webhook listener to %s", srv.BindAddress)
	}
	srv.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", srv.handleWebhook)
	mux.HandleFunc("/webhooks", srv.handleWebhooks)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if srv.Metrics != nil {
		mux.Handle("/metrics", srv.Metrics.Handler())
	}
	srv.server = &http.Server{Handler: mux}
	return nil
}

// Addr returns the address the listener is bound to. Only valid after Listen.
func (srv *Listener) Addr() string {
	if srv.listener == nil {
		return srv.BindAddress
	}
	return srv.listener.Addr().String()
}

// Run serves until ctx is cancelled, then shuts down gracefully so callbacks
// already in flight still land.
func (srv *Listener) Run(ctx context.Context) error {
	if srv.server == nil {
		if err := srv.Listen(); err != nil {
			return err
		}
	}
	log.Infof("webhook listener serving on %s", srv.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Serve(srv.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("webhook listener shutdown was not clean")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "webhook listener failed")
	}
}

func (srv *Listener) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "message": "POST only"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		srv.countMalformed()
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		// Any shape we can't decode is logged and discarded, never fatal.
		log.WithError(err).Warn("discarding malformed webhook payload")
		srv.countMalformed()
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON body"})
		return
	}

	id := identifierFromPayload(payload)
	if srv.Metrics != nil {
		srv.Metrics.CallbacksReceived.Inc()
	}
	if !srv.Tracker.RecordConfirmation(tracker.ConfirmationEvent{
		Kind:       tracker.ConfirmationCallback,
		WorkItemId: id,
		ObservedAt: time.Now(),
	}) {
		if srv.Metrics != nil {
			srv.Metrics.ConfirmationsOrphaned.Inc()
		}
		log.Warnf("orphaned callback for work item %q", id)
	}

	srv.mu.Lock()
	srv.received = append(srv.received, payload)
	srv.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// countMalformed increments the malformed-callback counter. Metrics are
// optional, matching the nil guard on the /metrics route.
func (srv *Listener) countMalformed() {
	if srv.Metrics != nil {
		srv.Metrics.CallbacksMalformed.Inc()
	}
}

func (srv *Listener) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "message": "GET only"})
		return
	}
	srv.mu.Lock()
	webhooks := make([]map[string]interface{}, len(srv.received))
	copy(webhooks, srv.received)
	srv.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(webhooks),
		"webhooks": webhooks,
	})
}

// identifierFromPayload recovers the work-item identifier from a callback
// body. Conserver webhook stages differ in what they echo, so several keys
// are accepted.
func identifierFromPayload(payload map[string]interface{}) string {
	for _, key := range []string{"vcon_id", "uuid", "id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
