// Package dlq forwards records the consumer had to skip to a dead-letter topic.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/ccsr/internal/tracing"
)

// Header keys attached to every dead-lettered record.
const (
	HeaderFailureID     = "ccsr-failure-id"
	HeaderOriginalTopic = "ccsr-original-topic"
	HeaderPartition     = "ccsr-original-partition"
	HeaderOffset        = "ccsr-original-offset"
	HeaderReason        = "ccsr-reason"
	HeaderMessage       = "ccsr-error-message"
	HeaderAttempts      = "ccsr-attempts"
	HeaderSchemaID      = "ccsr-schema-id"
	HeaderGroupID       = "ccsr-group-id"
	HeaderFailedAt      = "ccsr-failed-at"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes why a record was skipped.
type FailureInfo struct {
	Topic     string
	Partition int32
	Offset    int64
	Reason    string
	Message   string
	Attempts  int
	SchemaID  int // 0 when the envelope could not be read
	GroupID   string
}

// Handler publishes skipped records to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(sourceTopic string) string
	now       func() time.Time
	newID     func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default dead-letter topic naming.
func WithTopicFunc(fn func(sourceTopic string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithTopic sends every failure to a single fixed topic.
func WithTopic(topic string) Option {
	return WithTopicFunc(func(string) string { return topic })
}

// WithClock sets the time source used for the failed-at header.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// DefaultTopic returns the dead-letter topic for a source topic.
func DefaultTopic(sourceTopic string) string {
	return "ccsr-dlq-" + sourceTopic
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes the original key and value with failure headers and the
// trace context of ctx. It returns the failure id written to the
// ccsr-failure-id header.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) (string, error) {
	topic := h.topicFn(info.Topic)
	id := h.newID()

	headers := map[string]string{
		HeaderFailureID:     id,
		HeaderOriginalTopic: info.Topic,
		HeaderPartition:     strconv.FormatInt(int64(info.Partition), 10),
		HeaderOffset:        strconv.FormatInt(info.Offset, 10),
		HeaderReason:        info.Reason,
		HeaderMessage:       info.Message,
		HeaderAttempts:      strconv.Itoa(info.Attempts),
		HeaderFailedAt:      h.now().UTC().Format(time.RFC3339),
	}
	if info.SchemaID > 0 {
		headers[HeaderSchemaID] = strconv.Itoa(info.SchemaID)
	}
	if info.GroupID != "" {
		headers[HeaderGroupID] = info.GroupID
	}
	tracing.InjectHeaders(ctx, headers)

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return "", fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
