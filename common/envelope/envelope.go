// Package envelope defines the canonical event envelope that flows from the webhook
// receiver through the broker to the pipeline invoker, and the codec that produces it
// from provider upload notifications.
//
// The wire format follows the CloudEvents 1.0 structured JSON layout so that any
// CloudEvents-aware consumer can read it, with subject carried as a {bucket,key} object.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/objtrigger/common/errs"
)

// SpecVersion is the CloudEvents spec version written on the wire.
const SpecVersion = "1.0"

// Envelope types. Only TypeObjectCreated triggers pipeline runs; the others exist so a
// notification can be normalized and then deliberately ignored.
const (
	TypeObjectCreated = "object.created"
	TypeObjectRemoved = "object.removed"
	TypeUnknown       = "object.unknown"
)

// Message attribute names set on every broker message so subscribers can filter
// without decoding the body.
const (
	AttrType   = "type"
	AttrSource = "source"
)

// DefaultSourcePrefix is prepended to the bucket name to build Envelope.Source.
const DefaultSourcePrefix = "urn:storage:"

// Subject identifies the uploaded object.
type Subject struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// String renders the subject as bucket/key.
func (s Subject) String() string {
	return s.Bucket + "/" + s.Key
}

// Data is the provider payload retained for downstream parsing.
type Data struct {
	Size        int64           `json:"size"`
	ETag        string          `json:"etag,omitempty"`
	Sequencer   string          `json:"sequencer,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	EventName   string          `json:"event_name"`
	Record      json.RawMessage `json:"record,omitempty"`
}

// Envelope is the normalized representation of one upload notification record.
//
// ID is unique per delivery attempt only; the physical event is identified by
// (Subject.Bucket, Subject.Key, Data.Sequencer or Data.ETag), see RunKey.
type Envelope struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Subject         Subject   `json:"subject"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype,omitempty"`
	Data            Data      `json:"data"`
}

// Version returns the object version component of the physical identity:
// the sequencer when present, otherwise the unquoted ETag.
func (e *Envelope) Version() string {
	if e.Data.Sequencer != "" {
		return e.Data.Sequencer
	}
	return strings.Trim(e.Data.ETag, `"`)
}

// RunKey returns the deterministic idempotency key of the physical upload.
func (e *Envelope) RunKey() string {
	return RunKey(e.Subject.Bucket, e.Subject.Key, e.Version())
}

// Attributes returns the message attributes published alongside the envelope.
func (e *Envelope) Attributes() map[string]string {
	return map[string]string{
		AttrType:   e.Type,
		AttrSource: e.Source,
	}
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil envelope", errs.ErrMalformedPayload)
	case e.ID == "":
		return fmt.Errorf("%w: envelope id is empty", errs.ErrMalformedPayload)
	case e.Source == "":
		return fmt.Errorf("%w: envelope source is empty", errs.ErrMalformedPayload)
	case e.Type == "":
		return fmt.Errorf("%w: envelope type is empty", errs.ErrMalformedPayload)
	case e.Subject.Bucket == "":
		return fmt.Errorf("%w: subject bucket is empty", errs.ErrMalformedPayload)
	case e.Subject.Key == "":
		return fmt.Errorf("%w: subject key is empty", errs.ErrMalformedPayload)
	}
	return nil
}

// Marshal encodes the envelope for the broker.
func Marshal(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes a broker message body.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", errs.ErrMalformedPayload, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
