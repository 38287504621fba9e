package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/errs"
	"github.com/telhawk-systems/objtrigger/common/messaging"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures []error
	calls    []*messaging.Message
}

func (p *fakePublisher) PublishMsg(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}
	return &messaging.Ack{Stream: "OBJECT_EVENTS", Sequence: uint64(len(p.calls))}, nil
}

func transient() error {
	return fmt.Errorf("%w: connection refused", errs.ErrTransientNetwork)
}

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		SpecVersion: envelope.SpecVersion,
		ID:          "evt-1",
		Source:      "urn:storage:pdf-inbox",
		Type:        envelope.TypeObjectCreated,
		Subject:     envelope.Subject{Bucket: "pdf-inbox", Key: "test.pdf"},
		Time:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Data:        envelope.Data{Sequencer: "AAA"},
	}
}

func newTestForwarder(pub messaging.Publisher) (*Forwarder, *[]time.Duration) {
	f := New(pub, DefaultConfig(), nil)
	var waits []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return f, &waits
}

func TestPublish_SetsAttributesAndSubject(t *testing.T) {
	pub := &fakePublisher{}
	f, _ := newTestForwarder(pub)

	ack, err := f.Publish(context.Background(), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Sequence)

	require.Len(t, pub.calls, 1)
	msg := pub.calls[0]
	assert.Equal(t, "objects.events.object.created", msg.Subject)
	assert.Equal(t, envelope.TypeObjectCreated, msg.Header(envelope.AttrType))
	assert.Equal(t, "urn:storage:pdf-inbox", msg.Header(envelope.AttrSource))

	decoded, err := envelope.Unmarshal(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "test.pdf", decoded.Subject.Key)
}

func TestPublish_RetriesTransientThenSucceeds(t *testing.T) {
	pub := &fakePublisher{failures: []error{transient(), transient()}}
	f, waits := newTestForwarder(pub)

	_, err := f.Publish(context.Background(), testEnvelope())
	require.NoError(t, err)
	assert.Len(t, pub.calls, 3)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *waits)
}

func TestPublish_RetryBound(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = transient()
	}
	pub := &fakePublisher{failures: failures}
	f, waits := newTestForwarder(pub)

	_, err := f.Publish(context.Background(), testEnvelope())
	require.Error(t, err)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, 5, pubErr.Attempts)
	assert.True(t, pubErr.Transient())
	assert.True(t, errs.IsTransient(err))
	assert.Len(t, pub.calls, 5, "exactly MaxAttempts publishes")
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, *waits)
}

func TestPublish_NonTransientFailsFast(t *testing.T) {
	pub := &fakePublisher{failures: []error{errors.New("stream not found")}}
	f, waits := newTestForwarder(pub)

	_, err := f.Publish(context.Background(), testEnvelope())
	require.Error(t, err)
	assert.Len(t, pub.calls, 1)
	assert.Empty(t, *waits)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.False(t, pubErr.Transient())
}

func TestPublish_CancelledDuringBackoff(t *testing.T) {
	pub := &fakePublisher{failures: []error{transient(), transient(), transient()}}
	f := New(pub, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	_, err := f.Publish(ctx, testEnvelope())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, pub.calls, 1)
}

type slowPublisher struct{ calls int }

func (p *slowPublisher) PublishMsg(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error) {
	p.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPublish_AttemptTimeoutIsTransient(t *testing.T) {
	pub := &slowPublisher{}
	f := New(pub, Config{Timeout: 5 * time.Millisecond, MaxAttempts: 2}, nil)
	f.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := f.Publish(context.Background(), testEnvelope())
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 2, pub.calls)
}

func TestNew_Defaults(t *testing.T) {
	f := New(&fakePublisher{}, Config{}, nil)
	assert.Equal(t, DefaultConfig(), f.cfg)
}
