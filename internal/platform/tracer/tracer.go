// Package tracer is a small tracing facade over OpenTelemetry so services can
// open spans without importing otel APIs directly.
package tracer

import (
	"context"
	"time"
)

// Span is an active trace span. End must be called exactly once.
type Span interface {
	// End completes the span and marks it failed when err is non-nil.
	End(err error)
	SetAttributes(attrs ...Attribute)
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations are safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute is a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration records value in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names opened by the access service.
const (
	SpanAuthorize  = "access.authorize"
	SpanCreate     = "access.create"
	SpanUpdate     = "access.update"
	SpanDelete     = "access.delete"
	SpanTransition = "access.transition"
	SpanExecute    = "access.execute"
	SpanGet        = "access.get"
	SpanQueryAudit = "access.query_audit"
)

// Attribute keys.
const (
	AttrActorRole  = "actor.role"
	AttrResource   = "resource"
	AttrAction     = "action"
	AttrRecordID   = "record_id"
	AttrTransition = "transition"
	AttrAllowed    = "allowed"
	AttrReason     = "reason"
)

// EventDecision is added to a span once the engine has decided.
const EventDecision = "authz.decision"
