package messaging

// Subject layout: {domain}.{kind}.{qualifier}
const (
	// SubjectObjectEvents prefixes every envelope subject. The envelope type is
	// appended, e.g. objects.events.object.created.
	SubjectObjectEvents = "objects.events"

	// SubjectPipelineDLQ prefixes dead pipeline runs. The failure reason is appended.
	SubjectPipelineDLQ = "pipeline.dlq"
)

// ObjectEventSubject returns the subject an envelope of the given type is published on.
func ObjectEventSubject(eventType string) string {
	if eventType == "" {
		eventType = "unknown"
	}
	return SubjectObjectEvents + "." + eventType
}

// PipelineDLQSubject returns the dead-letter subject for a failure reason.
func PipelineDLQSubject(reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return SubjectPipelineDLQ + "." + reason
}
