// Package notify builds MinIO-style bucket notifications for exercising a receiver.
package notify

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// EventPut is the provider event name for a completed single-part upload.
const EventPut = "s3:ObjectCreated:Put"

// Object describes one uploaded object.
type Object struct {
	Bucket      string
	Key         string
	Size        int64
	ETag        string
	Sequencer   string
	ContentType string
	EventName   string
	Time        time.Time
	SourceIP    string
}

type notification struct {
	EventName string   `json:"EventName"`
	Key       string   `json:"Key"`
	Records   []record `json:"Records"`
}

type record struct {
	EventVersion      string            `json:"eventVersion"`
	EventSource       string            `json:"eventSource"`
	AWSRegion         string            `json:"awsRegion"`
	EventTime         string            `json:"eventTime"`
	EventName         string            `json:"eventName"`
	UserIdentity      map[string]string `json:"userIdentity"`
	RequestParameters map[string]string `json:"requestParameters"`
	S3                s3Entity          `json:"s3"`
}

type s3Entity struct {
	SchemaVersion   string   `json:"s3SchemaVersion"`
	ConfigurationID string   `json:"configurationId"`
	Bucket          s3Bucket `json:"bucket"`
	Object          s3Object `json:"object"`
}

type s3Bucket struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

type s3Object struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ETag        string `json:"eTag,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Sequencer   string `json:"sequencer,omitempty"`
}

// Build renders objs as one notification body. Keys are URL-encoded the way the
// provider sends them.
func Build(objs ...Object) ([]byte, error) {
	if len(objs) == 0 {
		return nil, fmt.Errorf("at least one object is required")
	}

	n := notification{Records: make([]record, 0, len(objs))}
	for i, o := range objs {
		if o.Bucket == "" || o.Key == "" {
			return nil, fmt.Errorf("object %d: bucket and key are required", i)
		}
		if o.EventName == "" {
			o.EventName = EventPut
		}
		if o.Time.IsZero() {
			o.Time = time.Now()
		}
		if i == 0 {
			n.EventName = o.EventName
			n.Key = o.Bucket + "/" + o.Key
		}

		etag := o.ETag
		if etag != "" && !strings.HasPrefix(etag, `"`) {
			etag = `"` + etag + `"`
		}
		n.Records = append(n.Records, record{
			EventVersion:      "2.0",
			EventSource:       "minio:s3",
			EventTime:         o.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
			EventName:         o.EventName,
			UserIdentity:      map[string]string{"principalId": "trigctl"},
			RequestParameters: map[string]string{"sourceIPAddress": o.SourceIP},
			S3: s3Entity{
				SchemaVersion:   "1.0",
				ConfigurationID: "Config",
				Bucket:          s3Bucket{Name: o.Bucket, ARN: "arn:aws:s3:::" + o.Bucket},
				Object: s3Object{
					Key:         url.QueryEscape(o.Key),
					Size:        o.Size,
					ETag:        etag,
					ContentType: o.ContentType,
					Sequencer:   o.Sequencer,
				},
			},
		})
	}
	return json.Marshal(n)
}

// Generator produces plausible uploads. A fixed seed yields a fixed sequence.
type Generator struct {
	faker  *gofakeit.Faker
	bucket string
	suffix string
	now    func() time.Time
}

// NewGenerator creates a Generator for bucket. Seed 0 picks a random seed.
func NewGenerator(seed int64, bucket, suffix string) *Generator {
	if suffix == "" {
		suffix = ".pdf"
	}
	return &Generator{
		faker:  gofakeit.New(seed),
		bucket: bucket,
		suffix: suffix,
		now:    time.Now,
	}
}

// Object returns a new upload with a fresh version.
func (g *Generator) Object() Object {
	f := g.faker
	dir := strings.ToLower(f.Word())
	name := fmt.Sprintf("%s %s-%d%s", strings.ToLower(f.Word()), strings.ToLower(f.Word()), f.IntRange(1, 9999), g.suffix)
	now := g.now()

	return Object{
		Bucket:      g.bucket,
		Key:         path.Join(dir, name),
		Size:        int64(f.IntRange(1024, 20<<20)),
		ETag:        fmt.Sprintf("%016x%016x", f.Uint64(), f.Uint64()),
		Sequencer:   fmt.Sprintf("%016X", f.Uint64()),
		ContentType: contentType(g.suffix),
		EventName:   EventPut,
		Time:        f.DateRange(now.Add(-time.Hour), now),
		SourceIP:    f.IPv4Address(),
	}
}

// Overwrite returns o re-uploaded: same key, new version.
func (g *Generator) Overwrite(o Object) Object {
	o.ETag = fmt.Sprintf("%016x%016x", g.faker.Uint64(), g.faker.Uint64())
	o.Sequencer = fmt.Sprintf("%016X", g.faker.Uint64())
	o.Time = g.now()
	return o
}

func contentType(suffix string) string {
	switch strings.ToLower(suffix) {
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
