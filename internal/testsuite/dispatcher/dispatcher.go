// Package dispatcher executes the per-item remote calls: create a vCon,
// register it with the tracker, and enqueue it for processing.
package dispatcher

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/metrics"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/samples"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/tracker"
	"github.com/vcon-dev/conserver-testsuite/pkg/client"
)

// Outcome classifies how a dispatch ended.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeHttpError    Outcome = "http_error"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeTimeout      Outcome = "timeout"
	// The dispatch was cut short by run cancellation rather than by the
	// remote. Only reachable when no dispatch timeout is configured.
	OutcomeAborted Outcome = "aborted"
)

// DispatchRecord is written exactly once per dispatched work item and is
// read-only afterwards.
type DispatchRecord struct {
	// Empty when the create call failed before an identifier was assigned.
	WorkItemId   string
	DispatchedAt time.Time
	CompletedAt  time.Time
	Outcome      Outcome
	Latency      time.Duration
	Error        string
}

// Dispatcher consumes permits and runs each item's two remote calls in its
// own goroutine, bounded by MaxInFlight so a stalled remote can't grow
// resource usage without bound. Individual failures are recorded, never
// propagated: only the scheduler and the operator end a run.
type Dispatcher struct {
	Client  *client.Client
	Tracker *tracker.Tracker
	Samples samples.Source
	Metrics *metrics.Metrics
	// Ingress list items are enqueued onto; must match the applied config.
	IngressList string
	// Run identifier tagged onto each outgoing payload.
	RunId string
	// Cap on simultaneously in-flight dispatches.
	MaxInFlight int
	// Bounded timeout covering both remote calls of one item.
	DispatchTimeout time.Duration

	records []DispatchRecord
	mu      sync.Mutex
}

// Run consumes permits until the channel is closed or ctx is cancelled, then
// waits for in-flight dispatches to drain. In-flight work is bounded by
// their own timeouts, so the drain wait is bounded too.
func (srv *Dispatcher) Run(ctx context.Context, permits <-chan int) error {
	sem := make(chan struct{}, srv.MaxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seq, ok := <-permits:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(seq int) {
				defer wg.Done()
				defer func() { <-sem }()
				srv.dispatchOne(ctx, seq)
			}(seq)
		}
	}
}

func (srv *Dispatcher) dispatchOne(ctx context.Context, seq int) {
	payload, err := srv.Samples.Next()
	if err != nil {
		log.WithError(err).Errorf("skipping permit %d: no sample payload", seq)
		return
	}
	payload = tagPayload(payload, srv.RunId, seq)

	// The run context only gates permit intake. Once an item is in flight
	// it runs to completion bounded by its own timeout, so an operator
	// interrupt stops new dispatches without aborting work the remote is
	// already processing. Without a timeout the run context is kept as the
	// only bound there is.
	dispatchCtx := ctx
	if srv.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), srv.DispatchTimeout)
		defer cancel()
	}

	record := DispatchRecord{DispatchedAt: time.Now()}
	id, err := srv.Client.CreateVcon(dispatchCtx, payload)
	if err != nil {
		// No identifier was assigned, so there is nothing to correlate:
		// the item is excluded from confirmation accounting entirely.
		srv.finish(&record, err)
		return
	}
	record.WorkItemId = id

	// Register before enqueueing. Enqueueing is what triggers processing,
	// so a confirmation can only arrive for an already-registered item.
	srv.Tracker.Register(id)

	if err := srv.Client.EnqueueVcon(dispatchCtx, id, srv.IngressList); err != nil {
		srv.Tracker.MarkDispatchFailed(id)
		srv.finish(&record, err)
		return
	}
	srv.finish(&record, nil)
}

func (srv *Dispatcher) finish(record *DispatchRecord, err error) {
	record.CompletedAt = time.Now()
	record.Latency = record.CompletedAt.Sub(record.DispatchedAt)
	record.Outcome = ClassifyError(err)
	if err != nil {
		record.Error = err.Error()
		log.WithError(err).Warnf("dispatch of %q failed (%s)", record.WorkItemId, record.Outcome)
	}
	if srv.Metrics != nil {
		srv.Metrics.ItemsDispatched.WithLabelValues(string(record.Outcome)).Inc()
	}
	srv.mu.Lock()
	srv.records = append(srv.records, *record)
	srv.mu.Unlock()
}

// Records returns a copy of all dispatch records written so far.
func (srv *Dispatcher) Records() []DispatchRecord {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	records := make([]DispatchRecord, len(srv.records))
	copy(records, srv.records)
	return records
}

// ClassifyError maps a dispatch error to its outcome. Status errors are
// checked first; context deadlines satisfy net.Error, so the timeout check
// must precede the generic network check.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var statusErr *client.ErrStatus
	if errors.As(err, &statusErr) {
		return OutcomeHttpError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeAborted
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeNetworkError
}

// tagPayload adds run metadata to the outgoing vCon so processed artifacts
// can be traced back to a specific run. Payloads that aren't JSON objects
// are sent untouched; the envelope's schema is not this harness's concern.
func tagPayload(payload []byte, runId string, seq int) []byte {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["load_test_id"] = runId
	meta["load_test_item"] = seq
	meta["load_test_tag"] = uuid.NewString()
	meta["test_timestamp"] = time.Now().UTC().Format(time.RFC3339)
	doc["meta"] = meta
	tagged, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return tagged
}
