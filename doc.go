// Package objtrigger turns object-storage upload notifications into exactly one
// downstream pipeline run per uploaded object version.
//
// The receiver service accepts provider webhooks, normalizes them into envelopes
// and publishes them to NATS JetStream. The invoker service consumes them through
// static subscription rules and starts runs on the orchestrator, using an
// idempotency store to suppress redeliveries. trigctl is the operator CLI.
package objtrigger
