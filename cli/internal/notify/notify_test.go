package notify

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/objtrigger/common/envelope"
)

func TestBuild_DecodesToEnvelope(t *testing.T) {
	obj := Object{
		Bucket:    "pdf-inbox",
		Key:       "reports/q3 summary.pdf",
		Size:      48213,
		ETag:      "5d41402abc4b2a76b9719d911017c592",
		Sequencer: "17D8A3B0C5A1B2C3",
		Time:      time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC),
	}
	body, err := Build(obj)
	require.NoError(t, err)

	envs, err := envelope.NewCodec("").Decode(body)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	env := envs[0]
	assert.Equal(t, envelope.TypeObjectCreated, env.Type)
	assert.Equal(t, "pdf-inbox", env.Subject.Bucket)
	assert.Equal(t, "reports/q3 summary.pdf", env.Subject.Key)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", env.Data.ETag)
	assert.Equal(t, envelope.RunKey("pdf-inbox", "reports/q3 summary.pdf", "17D8A3B0C5A1B2C3"), env.RunKey())
	assert.True(t, env.Time.Equal(obj.Time))
}

func TestBuild_EscapesKeyAndQuotesETag(t *testing.T) {
	body, err := Build(Object{Bucket: "b", Key: "a dir/x+y.pdf", ETag: "abc"})
	require.NoError(t, err)

	var n notification
	require.NoError(t, json.Unmarshal(body, &n))
	require.Len(t, n.Records, 1)
	assert.Equal(t, "a+dir%2Fx%2By.pdf", n.Records[0].S3.Object.Key)
	assert.Equal(t, `"abc"`, n.Records[0].S3.Object.ETag)
	assert.Equal(t, EventPut, n.EventName)
	assert.Equal(t, "b/a dir/x+y.pdf", n.Key)
}

func TestBuild_MultipleRecords(t *testing.T) {
	body, err := Build(
		Object{Bucket: "b", Key: "one.pdf", ETag: "1"},
		Object{Bucket: "b", Key: "two.pdf", ETag: "2"},
	)
	require.NoError(t, err)

	envs, err := envelope.NewCodec("").Decode(body)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "two.pdf", envs[1].Subject.Key)
}

func TestBuild_Invalid(t *testing.T) {
	_, err := Build()
	assert.Error(t, err)

	_, err = Build(Object{Key: "x.pdf"})
	assert.Error(t, err)
}

func TestGenerator(t *testing.T) {
	g := NewGenerator(42, "pdf-inbox", "")
	a := g.Object()

	assert.Equal(t, "pdf-inbox", a.Bucket)
	assert.True(t, strings.HasSuffix(a.Key, ".pdf"), a.Key)
	assert.Contains(t, a.Key, "/")
	assert.Len(t, a.Sequencer, 16)
	assert.Equal(t, "application/pdf", a.ContentType)
	assert.Positive(t, a.Size)

	b := g.Object()
	assert.NotEqual(t, a.Sequencer, b.Sequencer)

	// Same seed, same keys.
	again := NewGenerator(42, "pdf-inbox", "")
	assert.Equal(t, a.Key, again.Object().Key)
}

func TestGenerator_OverwriteChangesRunKey(t *testing.T) {
	g := NewGenerator(7, "pdf-inbox", ".pdf")
	o := g.Object()
	ov := g.Overwrite(o)

	assert.Equal(t, o.Key, ov.Key)
	assert.NotEqual(t, o.Sequencer, ov.Sequencer)
	assert.NotEqual(t,
		envelope.RunKey(o.Bucket, o.Key, o.Sequencer),
		envelope.RunKey(ov.Bucket, ov.Key, ov.Sequencer))
}
