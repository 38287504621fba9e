package envelope

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/objtrigger/common/errs"
)

var fixedTime = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testCodec() *Codec {
	n := 0
	return &Codec{
		SourcePrefix: DefaultSourcePrefix,
		NewID: func() string {
			n++
			return "id-" + string(rune('0'+n))
		},
		Now: func() time.Time { return fixedTime },
	}
}

func notificationBody(t *testing.T, eventName, bucket, key, etag, sequencer string) []byte {
	t.Helper()
	object := map[string]any{"size": 10}
	if key != "" {
		object["key"] = key
	}
	if etag != "" {
		object["eTag"] = etag
	}
	if sequencer != "" {
		object["sequencer"] = sequencer
	}
	s3 := map[string]any{"object": object}
	if bucket != "" {
		s3["bucket"] = map[string]any{"name": bucket}
	}
	record := map[string]any{"s3": s3}
	if eventName != "" {
		record["eventName"] = eventName
	}
	body, err := json.Marshal(map[string]any{"Records": []any{record}})
	require.NoError(t, err)
	return body
}

func TestDecode_MinIOFixture(t *testing.T) {
	body, err := os.ReadFile("testdata/minio_put.json")
	require.NoError(t, err)

	envs, err := testCodec().Decode(body)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	env := envs[0]
	assert.Equal(t, SpecVersion, env.SpecVersion)
	assert.Equal(t, "id-1", env.ID)
	assert.Equal(t, "urn:storage:pdf-inbox", env.Source)
	assert.Equal(t, TypeObjectCreated, env.Type)
	assert.Equal(t, Subject{Bucket: "pdf-inbox", Key: "reports/q3 summary.pdf"}, env.Subject)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 30, 45, 123000000, time.UTC), env.Time)
	assert.Equal(t, int64(48213), env.Data.Size)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", env.Data.ETag)
	assert.Equal(t, "17D8A3B0C5A1B2C3", env.Data.Sequencer)
	assert.Equal(t, "application/pdf", env.Data.ContentType)
	assert.Equal(t, "s3:ObjectCreated:Put", env.Data.EventName)
	assert.NotEmpty(t, env.Data.Record)
}

func TestDecode_Deterministic(t *testing.T) {
	body := notificationBody(t, "s3:ObjectCreated:Put", "pdf-inbox", "test.pdf", "", "AAA")

	a, err := testCodec().Decode(body)
	require.NoError(t, err)
	b, err := testCodec().Decode(body)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDecode_EventNameFallsBackToTopLevel(t *testing.T) {
	body := []byte(`{"EventName":"s3:ObjectCreated:Post","Records":[{"s3":{"bucket":{"name":"b"},"object":{"key":"k.pdf"}}}]}`)

	envs, err := testCodec().Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "s3:ObjectCreated:Post", envs[0].Data.EventName)
	assert.Equal(t, TypeObjectCreated, envs[0].Type)
	assert.Equal(t, fixedTime, envs[0].Time)
}

func TestDecode_MultipleRecords(t *testing.T) {
	body := []byte(`{"Records":[
		{"eventName":"s3:ObjectCreated:Put","s3":{"bucket":{"name":"b"},"object":{"key":"one.pdf","sequencer":"1"}}},
		{"eventName":"s3:ObjectCreated:Put","s3":{"bucket":{"name":"b"},"object":{"key":"two.pdf","sequencer":"2"}}}
	]}`)

	envs, err := testCodec().Decode(body)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "one.pdf", envs[0].Subject.Key)
	assert.Equal(t, "two.pdf", envs[1].Subject.Key)
	assert.NotEqual(t, envs[0].ID, envs[1].ID)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte(`{not json`)},
		{"empty object", []byte(`{}`)},
		{"empty records", []byte(`{"Records":[]}`)},
		{"missing key", notificationBody(t, "s3:ObjectCreated:Put", "pdf-inbox", "", "", "AAA")},
		{"missing bucket", notificationBody(t, "s3:ObjectCreated:Put", "", "test.pdf", "", "AAA")},
		{"missing event name", notificationBody(t, "", "pdf-inbox", "test.pdf", "", "AAA")},
		{"record not an object", []byte(`{"Records":["x"]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := testCodec().Decode(tt.body)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrMalformedPayload)
			assert.Nil(t, envs)
		})
	}
}

func TestTypeFor(t *testing.T) {
	tests := map[string]string{
		"s3:ObjectCreated:Put":                     TypeObjectCreated,
		"s3:ObjectCreated:CompleteMultipartUpload": TypeObjectCreated,
		"ObjectCreated:Copy":                       TypeObjectCreated,
		"s3:ObjectRemoved:Delete":                  TypeObjectRemoved,
		"s3:ObjectAccessed:Get":                    TypeUnknown,
		"":                                         TypeUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, TypeFor(in), in)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	envs, err := testCodec().Decode(notificationBody(t, "s3:ObjectCreated:Put", "pdf-inbox", "test.pdf", `"etag-1"`, "AAA"))
	require.NoError(t, err)

	wire, err := Marshal(envs[0])
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(wire, &generic))
	assert.Equal(t, "1.0", generic["specversion"])
	assert.Equal(t, map[string]any{"bucket": "pdf-inbox", "key": "test.pdf"}, generic["subject"])

	decoded, err := Unmarshal(wire)
	require.NoError(t, err)
	assert.Equal(t, envs[0].RunKey(), decoded.RunKey())
	assert.Equal(t, envs[0].Subject, decoded.Subject)
	assert.True(t, envs[0].Time.Equal(decoded.Time))
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte(`garbage`))
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	_, err = Unmarshal([]byte(`{"id":"x","source":"s","type":"object.created","subject":{"bucket":"b"}}`))
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}

func TestMarshal_RejectsInvalid(t *testing.T) {
	_, err := Marshal(&Envelope{ID: "x"})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}
