package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for consumer spans.
const (
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrConsumerGroup  = "messaging.kafka.consumer.group"
	AttrSchemaID       = "ccsr.schema.id"
	AttrSkipReason     = "ccsr.skip.reason"
	AttrDecodeAttempt  = "ccsr.decode.attempt"
)

// Span names.
const (
	SpanConsume       = "ccsr.consume"
	SpanDecode        = "ccsr.decode"
	SpanSchemaResolve = "ccsr.schema.resolve"
	SpanCommit        = "ccsr.commit"
	SpanDLQPublish    = "kafka.publish"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx (usually a no-op).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordAttrs returns the attributes identifying a consumed record.
func RecordAttrs(topic string, partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrKafkaTopic, topic),
		attribute.Int64(AttrKafkaPartition, int64(partition)),
		attribute.Int64(AttrKafkaOffset, offset),
	}
}

func ConsumerGroupAttr(group string) attribute.KeyValue {
	return attribute.String(AttrConsumerGroup, group)
}

func SchemaIDAttr(id int) attribute.KeyValue {
	return attribute.Int(AttrSchemaID, id)
}

func SkipReasonAttr(reason string) attribute.KeyValue {
	return attribute.String(AttrSkipReason, reason)
}

func DecodeAttemptAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrDecodeAttempt, n)
}
