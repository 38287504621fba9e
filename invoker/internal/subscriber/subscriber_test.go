package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/messaging"
	"github.com/telhawk-systems/objtrigger/invoker/internal/idempotency"
	"github.com/telhawk-systems/objtrigger/invoker/internal/invoker"
	"github.com/telhawk-systems/objtrigger/invoker/internal/orchestrator"
)

type fakeDelivery struct {
	msg       *messaging.Message
	delivered uint64

	mu       sync.Mutex
	settled  []string
	nakDelay time.Duration
}

func (d *fakeDelivery) Message() *messaging.Message { return d.msg }

func (d *fakeDelivery) Ack() error { return d.record("ack") }

func (d *fakeDelivery) Term() error { return d.record("term") }

func (d *fakeDelivery) Nak(delay time.Duration) error {
	d.mu.Lock()
	d.nakDelay = delay
	d.mu.Unlock()
	return d.record("nak")
}

func (d *fakeDelivery) NumDelivered() uint64 { return d.delivered }

func (d *fakeDelivery) record(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = append(d.settled, op)
	return nil
}

func (d *fakeDelivery) ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.settled...)
}

// fakeStream hands out queued deliveries, then blocks until ctx ends.
type fakeStream struct {
	ch      chan messaging.Delivery
	stopped atomic.Bool
	err     error
}

func newFakeStream(deliveries ...*fakeDelivery) *fakeStream {
	s := &fakeStream{ch: make(chan messaging.Delivery, len(deliveries))}
	for _, d := range deliveries {
		s.ch <- d
	}
	return s
}

func (s *fakeStream) Next(ctx context.Context) (messaging.Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	default:
	}
	if s.err != nil {
		return nil, s.err
	}
	select {
	case d := <-s.ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Stop() { s.stopped.Store(true) }

type fakeSubmitter struct {
	mu        sync.Mutex
	pipelines []string
	envs      []*envelope.Envelope
	outcome   invoker.Outcome
	err       error
}

func (f *fakeSubmitter) Submit(ctx context.Context, pipeline string, env *envelope.Envelope) (invoker.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines = append(f.pipelines, pipeline)
	f.envs = append(f.envs, env)
	return f.outcome, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(id string) *envelope.Envelope {
	return &envelope.Envelope{
		SpecVersion: envelope.SpecVersion,
		ID:          id,
		Source:      "urn:storage:pdf-inbox",
		Type:        envelope.TypeObjectCreated,
		Subject:     envelope.Subject{Bucket: "pdf-inbox", Key: "a.pdf"},
		Time:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Data:        envelope.Data{ETag: "e1", EventName: "s3:ObjectCreated:Put"},
	}
}

func deliveryFor(t *testing.T, env *envelope.Envelope) *fakeDelivery {
	t.Helper()
	data, err := envelope.Marshal(env)
	require.NoError(t, err)
	return &fakeDelivery{
		delivered: 1,
		msg: &messaging.Message{
			Subject:  messaging.ObjectEventSubject(env.Type),
			Data:     data,
			Metadata: env.Attributes(),
		},
	}
}

// runUntil runs s until cond holds, then cancels and waits for Run to return.
func runUntil(t *testing.T, s *Subscriber, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRule_Matches(t *testing.T) {
	msg := &messaging.Message{Metadata: map[string]string{
		envelope.AttrType:   envelope.TypeObjectCreated,
		envelope.AttrSource: "urn:storage:pdf-inbox",
	}}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"wildcards", Rule{Source: "*", Type: "*"}, true},
		{"empty filters", Rule{}, true},
		{"exact", Rule{Source: "urn:storage:pdf-inbox", Type: envelope.TypeObjectCreated}, true},
		{"other type", Rule{Source: "*", Type: envelope.TypeObjectRemoved}, false},
		{"other source", Rule{Source: "urn:storage:archive", Type: "*"}, false},
		{"no prefix matching", Rule{Source: "urn:storage:", Type: "*"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(msg))
		})
	}

	assert.False(t, Rule{Type: envelope.TypeObjectCreated}.Matches(&messaging.Message{}))
}

func TestRule_Validate(t *testing.T) {
	assert.NoError(t, Rule{Name: "pdf", Pipeline: "ingest"}.Validate())
	assert.Error(t, Rule{Pipeline: "ingest"}.Validate())
	assert.Error(t, Rule{Name: "pdf"}.Validate())
}

func TestSubscriber_AcksAfterSubmit(t *testing.T) {
	env := testEnvelope("evt-1")
	d := deliveryFor(t, env)
	sub := &fakeSubmitter{outcome: invoker.OutcomeAccepted}
	s := New(Rule{Name: "pdf", Source: "*", Type: envelope.TypeObjectCreated, Pipeline: "pdf-ingest"}, newFakeStream(d), sub, discardLogger())

	runUntil(t, s, func() bool { return len(d.ops()) == 1 })

	assert.Equal(t, []string{"ack"}, d.ops())
	require.Equal(t, 1, sub.count())
	assert.Equal(t, "pdf-ingest", sub.pipelines[0])
	assert.Equal(t, env.RunKey(), sub.envs[0].RunKey())
}

func TestSubscriber_DedupedIsAcked(t *testing.T) {
	d := deliveryFor(t, testEnvelope("evt-1"))
	sub := &fakeSubmitter{outcome: invoker.OutcomeDeduped}
	s := New(Rule{Name: "pdf", Pipeline: "pdf-ingest"}, newFakeStream(d), sub, discardLogger())

	runUntil(t, s, func() bool { return len(d.ops()) == 1 })
	assert.Equal(t, []string{"ack"}, d.ops())
}

func TestSubscriber_NonMatchingIsAckedWithoutSubmit(t *testing.T) {
	env := testEnvelope("evt-1")
	env.Type = envelope.TypeObjectRemoved
	d := deliveryFor(t, env)
	sub := &fakeSubmitter{outcome: invoker.OutcomeAccepted}
	s := New(Rule{Name: "pdf", Source: "*", Type: envelope.TypeObjectCreated, Pipeline: "pdf-ingest"}, newFakeStream(d), sub, discardLogger())

	runUntil(t, s, func() bool { return len(d.ops()) == 1 })
	assert.Equal(t, []string{"ack"}, d.ops())
	assert.Zero(t, sub.count())
}

func TestSubscriber_UndecodableIsTerminated(t *testing.T) {
	d := &fakeDelivery{delivered: 1, msg: &messaging.Message{
		Subject:  messaging.ObjectEventSubject(envelope.TypeObjectCreated),
		Data:     []byte("{not json"),
		Metadata: map[string]string{envelope.AttrType: envelope.TypeObjectCreated, envelope.AttrSource: "urn:storage:x"},
	}}
	sub := &fakeSubmitter{outcome: invoker.OutcomeAccepted}
	s := New(Rule{Name: "pdf", Pipeline: "pdf-ingest"}, newFakeStream(d), sub, discardLogger())

	runUntil(t, s, func() bool { return len(d.ops()) == 1 })
	assert.Equal(t, []string{"term"}, d.ops())
	assert.Zero(t, sub.count())
}

func TestSubscriber_SubmitErrorIsNaked(t *testing.T) {
	d := deliveryFor(t, testEnvelope("evt-1"))
	sub := &fakeSubmitter{err: errors.New("store unavailable")}
	s := New(Rule{Name: "pdf", Pipeline: "pdf-ingest"}, newFakeStream(d), sub, discardLogger())

	runUntil(t, s, func() bool { return len(d.ops()) == 1 })
	assert.Equal(t, []string{"nak"}, d.ops())
	assert.Equal(t, DefaultNakDelay, d.nakDelay)
}

func TestSubscriber_StreamFailure(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("consumer deleted")
	s := New(Rule{Name: "pdf", Pipeline: "pdf-ingest"}, stream, &fakeSubmitter{}, discardLogger())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer deleted")
	assert.True(t, stream.stopped.Load())
}

func TestGroup(t *testing.T) {
	d1 := deliveryFor(t, testEnvelope("evt-1"))
	d2 := deliveryFor(t, testEnvelope("evt-2"))
	failing := newFakeStream()
	failing.err = errors.New("boom")
	sub := &fakeSubmitter{outcome: invoker.OutcomeAccepted}

	g := NewGroup(
		New(Rule{Name: "a", Pipeline: "p1"}, newFakeStream(d1), sub, discardLogger()),
		New(Rule{Name: "b", Pipeline: "p2"}, newFakeStream(d2), sub, discardLogger()),
		New(Rule{Name: "c", Pipeline: "p3"}, failing, sub, discardLogger()),
	)
	g.Start(context.Background())

	select {
	case err := <-g.Errors():
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure from subscriber c")
	}

	require.Eventually(t, func() bool { return sub.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	g.Stop()
	assert.Equal(t, []string{"ack"}, d1.ops())
	assert.Equal(t, []string{"ack"}, d2.ops())
}

// TestReplayStartsOneRun replays one provider notification twice through the codec,
// the subscriber and the invoker against an HTTP orchestrator.
func TestReplayStartsOneRun(t *testing.T) {
	var posts atomic.Int32
	var seen orchestrator.RunRequest
	var seenKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		posts.Add(1)
		seenKey = r.Header.Get(orchestrator.IdempotencyKeyHeader)
		_ = json.NewDecoder(r.Body).Decode(&seen)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"run_id":"run-42"}`))
	}))
	defer srv.Close()

	body, err := os.ReadFile("../../../common/envelope/testdata/minio_put.json")
	require.NoError(t, err)

	codec := envelope.NewCodec("")
	var deliveries []*fakeDelivery
	for i := 0; i < 2; i++ {
		envs, err := codec.Decode(body)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		deliveries = append(deliveries, deliveryFor(t, envs[0]))
	}

	store := idempotency.NewMemoryStore(idempotency.DefaultOptions())
	client := orchestrator.New(orchestrator.Config{BaseURL: srv.URL, Timeout: 2 * time.Second, SupportsIdempotencyToken: true})
	inv := invoker.New(store, client, nil, invoker.DefaultConfig(), discardLogger())

	s := New(Rule{Name: "pdf", Source: "*", Type: envelope.TypeObjectCreated, Pipeline: "pdf-ingest"},
		newFakeStream(deliveries...), inv, discardLogger())
	runUntil(t, s, func() bool {
		return len(deliveries[0].ops()) == 1 && len(deliveries[1].ops()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inv.Shutdown(ctx))

	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, []string{"ack"}, deliveries[0].ops())
	assert.Equal(t, []string{"ack"}, deliveries[1].ops())

	runKey := envelope.RunKey("pdf-inbox", "reports/q3 summary.pdf", "17D8A3B0C5A1B2C3")
	assert.Equal(t, runKey, seenKey)
	assert.Equal(t, runKey, seen.RunKey)
	assert.Equal(t, "pdf-ingest", seen.PipelineName)
	assert.Equal(t, orchestrator.Parameters{Bucket: "pdf-inbox", Key: "reports/q3 summary.pdf"}, seen.Parameters)

	rec, err := store.Get(context.Background(), runKey)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateAcked, rec.State)
	assert.Equal(t, "run-42", rec.RunID)
}
