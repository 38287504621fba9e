package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/objtrigger/common/envelope"
	"github.com/telhawk-systems/objtrigger/common/messaging/nats"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	streamCfg  nats.StreamConfig
	published  []published
	publishErr error
	createErr  error
}

func (f *fakeJetStream) CreateOrUpdateStream(ctx context.Context, cfg nats.StreamConfig) (jetstream.Stream, error) {
	f.streamCfg = cfg
	return nil, f.createErr
}

func (f *fakeJetStream) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: f.streamCfg.Name, Sequence: uint64(len(f.published))}, nil
}

func TestNewJetStreamQueue(t *testing.T) {
	js := &fakeJetStream{}
	q, err := NewJetStreamQueue(context.Background(), js, nil)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "PIPELINE_DLQ", js.streamCfg.Name)
	assert.Equal(t, []string{"pipeline.dlq.>"}, js.streamCfg.Subjects)
}

func TestNewJetStreamQueue_Errors(t *testing.T) {
	_, err := NewJetStreamQueue(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = NewJetStreamQueue(context.Background(), &fakeJetStream{createErr: errors.New("no jetstream")}, nil)
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	js := &fakeJetStream{}
	q, err := NewJetStreamQueue(context.Background(), js, nil)
	require.NoError(t, err)

	env := &envelope.Envelope{
		ID:      "evt-1",
		Source:  "urn:storage:pdf-inbox",
		Type:    envelope.TypeObjectCreated,
		Subject: envelope.Subject{Bucket: "pdf-inbox", Key: "test.pdf"},
	}
	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, q.Write(context.Background(), &DeadRun{
		RunKey:      "rk-1",
		Pipeline:    "pdf-ingest",
		Reason:      ReasonRetriesExhausted,
		Error:       "orchestrator returned 503",
		Attempts:    7,
		LastAttempt: last,
		Envelope:    env,
	}))

	require.Len(t, js.published, 1)
	assert.Equal(t, "pipeline.dlq.retries_exhausted", js.published[0].subject)

	var got DeadRun
	require.NoError(t, json.Unmarshal(js.published[0].data, &got))
	assert.Equal(t, "rk-1", got.RunKey)
	assert.Equal(t, 7, got.Attempts)
	assert.Equal(t, "test.pdf", got.Envelope.Subject.Key)
	assert.False(t, got.Timestamp.IsZero())
	assert.True(t, last.Equal(got.LastAttempt))
}

func TestWrite_PublishError(t *testing.T) {
	js := &fakeJetStream{}
	q, err := NewJetStreamQueue(context.Background(), js, nil)
	require.NoError(t, err)
	js.publishErr = errors.New("stream unavailable")

	err = q.Write(context.Background(), &DeadRun{RunKey: "rk-1", Reason: ReasonRejected})
	assert.Error(t, err)
}

func TestNilQueue(t *testing.T) {
	var q *JetStreamQueue
	ctx := context.Background()

	assert.NoError(t, q.Write(ctx, &DeadRun{}))
	assert.Equal(t, false, q.Stats(ctx)["enabled"])
	_, err := q.List(ctx, 10)
	assert.Error(t, err)
	assert.Error(t, q.Purge(ctx))
}
