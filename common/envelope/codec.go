package envelope

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/objtrigger/common/errs"
)

// notification is the S3/MinIO bucket notification body.
type notification struct {
	EventName string            `json:"EventName"`
	Key       string            `json:"Key"`
	Records   []json.RawMessage `json:"Records"`
}

type s3Record struct {
	EventSource string `json:"eventSource"`
	EventTime   string `json:"eventTime"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key         string `json:"key"`
			Size        int64  `json:"size"`
			ETag        string `json:"eTag"`
			Sequencer   string `json:"sequencer"`
			ContentType string `json:"contentType"`
		} `json:"object"`
	} `json:"s3"`
}

// Codec converts provider notifications into envelopes. It performs no I/O; ID and
// clock sources are injectable so output is deterministic under test.
type Codec struct {
	SourcePrefix string
	NewID        func() string
	Now          func() time.Time
}

// NewCodec returns a Codec using random UUIDs and the wall clock.
func NewCodec(sourcePrefix string) *Codec {
	if sourcePrefix == "" {
		sourcePrefix = DefaultSourcePrefix
	}
	return &Codec{
		SourcePrefix: sourcePrefix,
		NewID:        uuid.NewString,
		Now:          time.Now,
	}
}

// Decode normalizes a provider notification body into one envelope per record.
// It fails with errs.ErrMalformedPayload when the body is not JSON or a record lacks
// its bucket, key or event name.
func (c *Codec) Decode(body []byte) ([]*Envelope, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err)
	}
	if len(n.Records) == 0 {
		return nil, fmt.Errorf("%w: Records is empty", errs.ErrMalformedPayload)
	}

	out := make([]*Envelope, 0, len(n.Records))
	for i, raw := range n.Records {
		env, err := c.decodeRecord(raw, n.EventName)
		if err != nil {
			return nil, fmt.Errorf("Records[%d]: %w", i, err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (c *Codec) decodeRecord(raw json.RawMessage, fallbackEventName string) (*Envelope, error) {
	var r s3Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err)
	}

	eventName := r.EventName
	if eventName == "" {
		eventName = fallbackEventName
	}
	if eventName == "" {
		return nil, fmt.Errorf("%w: eventName is missing", errs.ErrMalformedPayload)
	}
	bucket := r.S3.Bucket.Name
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3.bucket.name is missing", errs.ErrMalformedPayload)
	}
	if r.S3.Object.Key == "" {
		return nil, fmt.Errorf("%w: s3.object.key is missing", errs.ErrMalformedPayload)
	}

	return &Envelope{
		SpecVersion:     SpecVersion,
		ID:              c.newID(),
		Source:          c.SourcePrefix + bucket,
		Type:            TypeFor(eventName),
		Subject:         Subject{Bucket: bucket, Key: unescapeKey(r.S3.Object.Key)},
		Time:            c.eventTime(r.EventTime),
		DataContentType: "application/json",
		Data: Data{
			Size:        r.S3.Object.Size,
			ETag:        strings.Trim(r.S3.Object.ETag, `"`),
			Sequencer:   r.S3.Object.Sequencer,
			ContentType: r.S3.Object.ContentType,
			EventName:   eventName,
			Record:      append(json.RawMessage(nil), raw...),
		},
	}, nil
}

// TypeFor maps a provider event name such as "s3:ObjectCreated:Put" to an envelope type.
func TypeFor(eventName string) string {
	name := strings.TrimPrefix(eventName, "s3:")
	switch {
	case strings.HasPrefix(name, "ObjectCreated"):
		return TypeObjectCreated
	case strings.HasPrefix(name, "ObjectRemoved"):
		return TypeObjectRemoved
	default:
		return TypeUnknown
	}
}

// Object keys in S3 notifications are URL-encoded with '+' for spaces.
func unescapeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}

func (c *Codec) eventTime(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return c.now().UTC()
}

func (c *Codec) newID() string {
	if c.NewID == nil {
		return uuid.NewString()
	}
	return c.NewID()
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
