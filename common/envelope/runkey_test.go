package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunKey_Deterministic(t *testing.T) {
	a := RunKey("pdf-inbox", "test.pdf", "AAA")
	b := RunKey("pdf-inbox", "test.pdf", "AAA")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestRunKey_ComponentBoundaries(t *testing.T) {
	assert.NotEqual(t, RunKey("a/b", "c", "v"), RunKey("a", "b/c", "v"))
	assert.NotEqual(t, RunKey("ab", "", "v"), RunKey("a", "b", "v"))
	assert.NotEqual(t, RunKey("b", "k", "1"), RunKey("b", "k", "2"))
}

func TestEnvelope_RunKeyIgnoresID(t *testing.T) {
	first := &Envelope{ID: "one", Subject: Subject{Bucket: "pdf-inbox", Key: "test.pdf"}, Data: Data{Sequencer: "AAA"}}
	second := &Envelope{ID: "two", Subject: Subject{Bucket: "pdf-inbox", Key: "test.pdf"}, Data: Data{Sequencer: "AAA"}}

	assert.Equal(t, first.RunKey(), second.RunKey())
	assert.Equal(t, RunKey("pdf-inbox", "test.pdf", "AAA"), first.RunKey())
}

func TestEnvelope_Version(t *testing.T) {
	tests := []struct {
		name string
		data Data
		want string
	}{
		{"sequencer wins", Data{Sequencer: "S1", ETag: "E1"}, "S1"},
		{"etag fallback", Data{ETag: `"E1"`}, "E1"},
		{"neither", Data{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Envelope{Data: tt.data}
			assert.Equal(t, tt.want, e.Version())
		})
	}
}

func TestEnvelope_Attributes(t *testing.T) {
	e := &Envelope{Type: TypeObjectCreated, Source: "urn:storage:pdf-inbox"}
	assert.Equal(t, map[string]string{
		AttrType:   TypeObjectCreated,
		AttrSource: "urn:storage:pdf-inbox",
	}, e.Attributes())
}
