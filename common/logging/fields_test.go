package logging

import (
	"errors"
	"log/slog"
	"testing"
)

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name    string
		attr    slog.Attr
		wantKey string
		want    string
	}{
		{"service", Service("receiver"), FieldService, "receiver"},
		{"method", Method("POST"), FieldMethod, "POST"},
		{"path", Path("/webhook"), FieldPath, "/webhook"},
		{"event id", EventID("e-1"), FieldEventID, "e-1"},
		{"event type", EventType("object.created"), FieldEventType, "object.created"},
		{"source", Source("urn:storage:pdf-inbox"), FieldSource, "urn:storage:pdf-inbox"},
		{"run key", RunKey("abc"), FieldRunKey, "abc"},
		{"run id", RunID("run-7"), FieldRunID, "run-7"},
		{"state", State("acked"), FieldState, "acked"},
		{"subscription", Subscription("pdf"), FieldSubscription, "pdf"},
		{"error", Error(errors.New("boom")), FieldError, "boom"},
		{"nil error", Error(nil), FieldError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", tt.attr.Key, tt.wantKey)
			}
			if got := tt.attr.Value.String(); got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIntFieldHelpers(t *testing.T) {
	if a := Status(503); a.Key != FieldStatus || a.Value.Int64() != 503 {
		t.Errorf("Status() = %v", a)
	}
	if a := Duration(12); a.Key != FieldDuration || a.Value.Int64() != 12 {
		t.Errorf("Duration() = %v", a)
	}
	if a := Attempt(3); a.Key != FieldAttempt || a.Value.Int64() != 3 {
		t.Errorf("Attempt() = %v", a)
	}
}

func TestObject(t *testing.T) {
	a := Object("pdf-inbox", "test.pdf")
	if a.Key != "object" {
		t.Fatalf("key = %q, want object", a.Key)
	}
	group := a.Value.Group()
	if len(group) != 2 {
		t.Fatalf("group len = %d, want 2", len(group))
	}
	if group[0].Key != FieldBucket || group[0].Value.String() != "pdf-inbox" {
		t.Errorf("bucket attr = %v", group[0])
	}
	if group[1].Key != FieldObjectKey || group[1].Value.String() != "test.pdf" {
		t.Errorf("key attr = %v", group[1])
	}
}
