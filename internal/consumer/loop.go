package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/ccsr/internal/dlq"
	"github.com/lsm/ccsr/internal/observability"
	"github.com/lsm/ccsr/internal/progress"
	"github.com/lsm/ccsr/internal/retry"
	"github.com/lsm/ccsr/internal/schema"
	"github.com/lsm/ccsr/internal/tracing"
)

// Decoder decodes wire-format payloads. *schema.Decoder implements it.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*schema.Record, error)
}

// Config holds loop configuration.
type Config struct {
	Topics  []string
	GroupID string

	PollTimeout time.Duration
	// CommitInterval is the minimum time between periodic commits. Zero
	// commits after every message.
	CommitInterval time.Duration

	// MaxSchemaRetries bounds the decode retries for a message whose schema
	// is unavailable. After that the message is poisoned and skipped.
	MaxSchemaRetries int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration

	// ShutdownTimeout bounds the final commit.
	ShutdownTimeout time.Duration

	ValueField string
	KeyField   string
}

const (
	defaultPollTimeout     = time.Second
	defaultRetryBackoff    = 200 * time.Millisecond
	defaultMaxRetryBackoff = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultValueField      = "count"
	defaultKeyField        = "name"
)

func (c *Config) applyDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.MaxSchemaRetries < 0 {
		c.MaxSchemaRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ValueField == "" {
		c.ValueField = defaultValueField
	}
	if c.KeyField == "" {
		c.KeyField = defaultKeyField
	}
}

// Loop consumes messages on a single goroutine. It owns the aggregate and the
// progress tracker; the schema cache behind the decoder may be shared.
type Loop struct {
	cfg       Config
	transport Transport
	decoder   Decoder
	keys      Decoder
	tracker   *progress.Tracker

	agg        Aggregate
	lastCommit time.Time

	log     *observability.TraceLogger
	out     io.Writer
	metrics *observability.Metrics
	dlq     *dlq.Handler
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.log = observability.NewTraceLogger(l) }
}

// WithOutput sets where status lines are written. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(lp *Loop) { lp.out = w }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithDeadLetter forwards every skipped message to h.
func WithDeadLetter(h *dlq.Handler) Option {
	return func(lp *Loop) { lp.dlq = h }
}

func WithTracer(t trace.Tracer) Option {
	return func(lp *Loop) { lp.tracer = t }
}

// WithClock sets the time source used for the commit cadence.
func WithClock(now func() time.Time) Option {
	return func(lp *Loop) { lp.now = now }
}

// WithKeyDecoder sets the decoder used for wire-format keys. It must not
// apply a reader schema: that schema describes values. Defaults to the value
// decoder.
func WithKeyDecoder(d Decoder) Option {
	return func(lp *Loop) { lp.keys = d }
}

// WithTracker lets the caller share the tracker, e.g. to report positions.
func WithTracker(t *progress.Tracker) Option {
	return func(lp *Loop) { lp.tracker = t }
}

// New creates a loop reading from t and decoding with d.
func New(cfg Config, t Transport, d Decoder, opts ...Option) (*Loop, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if d == nil {
		return nil, errors.New("decoder is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	cfg.applyDefaults()

	l := &Loop{
		cfg:       cfg,
		transport: t,
		decoder:   d,
		log:       observability.NewTraceLogger(slog.Default()),
		out:       os.Stdout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracker == nil {
		l.tracker = progress.New()
	}
	if l.keys == nil {
		l.keys = d
	}
	return l, nil
}

// Run subscribes and consumes until ctx is cancelled, returning nil, or the
// transport fails fatally, returning that error. Uncommitted progress is
// committed and the transport closed on every exit path.
func (l *Loop) Run(ctx context.Context) error {
	if rn, ok := l.transport.(RebalanceNotifier); ok {
		rn.SetRebalanceListener(l)
	}
	defer l.shutdown()

	if err := l.transport.Subscribe(l.cfg.Topics); err != nil {
		return fmt.Errorf("subscribe %v: %w", l.cfg.Topics, err)
	}
	l.log.Logger().Info("consumer started", "topics", l.cfg.Topics, "group", l.cfg.GroupID)
	l.lastCommit = l.now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := l.transport.Poll(ctx, l.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrTransportFatal) {
				l.log.Logger().Error("transport failed", "error", err)
				return err
			}
			l.log.Logger().Warn("poll error", "error", err)
			continue
		}

		if msg == nil {
			l.log.Logger().Debug("waiting for message")
		} else {
			l.handle(ctx, msg)
		}

		if err := l.maybeCommit(ctx); err != nil {
			if errors.Is(err, ErrTransportFatal) {
				return err
			}
			l.log.Logger().Warn("periodic commit failed", "error", err)
		}
	}
}

// Stats returns the aggregate. It must not be called while Run is active.
func (l *Loop) Stats() Aggregate {
	return l.agg
}

func (l *Loop) handle(ctx context.Context, msg *Message) {
	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(tracing.RecordAttrs(msg.Topic, msg.Partition, msg.Offset)...),
		trace.WithAttributes(tracing.ConsumerGroupAttr(l.cfg.GroupID)),
	)
	defer span.End()

	start := l.now()
	rec, attempts, err := l.decode(ctx, msg)
	if l.metrics != nil {
		l.metrics.DecodeDuration.WithLabelValues(msg.Topic).Observe(l.now().Sub(start).Seconds())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Cancelled mid-decode: leave the message unhandled so it is redelivered.
		l.log.Debug(ctx, "decode abandoned", "partition", msg.Position().String(), "offset", msg.Offset)
		return
	}

	var value float64
	if err == nil {
		span.SetAttributes(tracing.SchemaIDAttr(int(rec.SchemaID)))
		value, err = NumericField(rec, l.cfg.ValueField)
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		l.skip(ctx, msg, attempts, err)
		return
	}

	key := l.displayKey(ctx, msg.Key)
	total := l.agg.Fold(key, value)
	l.advance(ctx, msg)
	tracing.SetSpanOK(span)

	fmt.Fprintf(l.out, "Consumed record with key %s and value %s, and updated total count to %s\n",
		key, FormatNumber(value), FormatNumber(total))
	if l.metrics != nil {
		l.metrics.RecordsTotal.WithLabelValues(msg.Topic, "processed").Inc()
		l.metrics.AggregateTotal.Set(total)
	}
}

// decode retries while the writer schema is unavailable. Any other failure
// ends the attempt immediately.
func (l *Loop) decode(ctx context.Context, msg *Message) (*schema.Record, int, error) {
	cfg := retry.Config{
		MaxRetries:      l.cfg.MaxSchemaRetries,
		InitialInterval: l.cfg.RetryBackoff,
		MaxInterval:     l.cfg.MaxRetryBackoff,
		Jitter:          0.2,
		OnRetry: func(next int, err error, wait time.Duration) {
			l.log.Warn(ctx, "schema unavailable, retrying",
				"partition", msg.Position().String(),
				"offset", msg.Offset,
				"attempt", next,
				"wait", wait,
				"error", err,
			)
			if l.metrics != nil {
				l.metrics.SchemaRetries.WithLabelValues(msg.Topic).Inc()
			}
		},
	}

	var rec *schema.Record
	attempts, err := retry.Do(ctx, cfg, func(attempt int) error {
		dctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanDecode,
			trace.WithAttributes(tracing.DecodeAttemptAttr(attempt)))
		defer span.End()

		r, err := l.decoder.Decode(dctx, msg.Value)
		if err != nil {
			tracing.SetSpanError(span, err)
			if errors.Is(err, schema.ErrSchemaUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		rec = r
		return nil
	})
	return rec, attempts, err
}

// displayKey decodes a wire-format key and picks the key field; any other
// key is shown as raw text.
func (l *Loop) displayKey(ctx context.Context, key []byte) string {
	if len(key) == 0 {
		return "<none>"
	}
	if schema.HasHeader(key) {
		rec, err := l.keys.Decode(ctx, key)
		if err == nil {
			if v, ok := rec.Fields[l.cfg.KeyField]; ok {
				return fmt.Sprint(v)
			}
		} else {
			l.log.Debug(ctx, "key not decodable, showing raw bytes", "error", err)
		}
	}
	return string(key)
}

func (l *Loop) skip(ctx context.Context, msg *Message, attempts int, err error) {
	reason := Reason(err)
	l.agg.Skipped++
	trace.SpanFromContext(ctx).SetAttributes(tracing.SkipReasonAttr(reason))

	fmt.Fprintf(l.out, "Skipped record at %s offset %d: %s: %v\n", msg.Position(), msg.Offset, reason, err)

	attrs := []any{
		"partition", msg.Position().String(),
		"offset", msg.Offset,
		"reason", reason,
		"attempts", attempts,
		"error", err,
	}
	if reason == ReasonSchemaUnavailable {
		l.log.Error(ctx, "poisoned message skipped after retries", attrs...)
	} else {
		l.log.Warn(ctx, "message skipped", attrs...)
	}
	if l.metrics != nil {
		l.metrics.RecordsTotal.WithLabelValues(msg.Topic, "skipped").Inc()
		l.metrics.RecordsSkipped.WithLabelValues(msg.Topic, reason).Inc()
	}

	if l.dlq != nil {
		l.deadLetter(ctx, msg, reason, attempts, err)
	}
	l.advance(ctx, msg)
}

func (l *Loop) deadLetter(ctx context.Context, msg *Message, reason string, attempts int, cause error) {
	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanDLQPublish, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	info := dlq.FailureInfo{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Reason:    reason,
		Message:   cause.Error(),
		Attempts:  attempts,
		GroupID:   l.cfg.GroupID,
	}
	if id, _, err := schema.ReadHeader(msg.Value); err == nil {
		info.SchemaID = int(id)
	}

	id, err := l.dlq.Send(ctx, msg.Key, msg.Value, info)
	if err != nil {
		tracing.SetSpanError(span, err)
		l.log.Error(ctx, "failed to send to DLQ", "partition", msg.Position().String(), "offset", msg.Offset, "error", err)
		return
	}
	if l.metrics != nil {
		l.metrics.DLQTotal.WithLabelValues(msg.Topic).Inc()
	}
	l.log.Info(ctx, "message sent to DLQ", "failure_id", id, "partition", msg.Position().String(), "offset", msg.Offset)
}

func (l *Loop) advance(ctx context.Context, msg *Message) {
	err := l.tracker.Advance(msg.Position(), msg.Offset)
	if err == nil {
		return
	}
	if errors.Is(err, progress.ErrOutOfOrderOffset) {
		l.log.Warn(ctx, "offset behind progress mark, ignoring",
			"partition", msg.Position().String(),
			"offset", msg.Offset,
			"reason", ReasonOutOfOrderOffset,
		)
		if l.metrics != nil {
			l.metrics.OutOfOrderOffsets.WithLabelValues(msg.Topic).Inc()
		}
		return
	}
	l.log.Error(ctx, "advance progress", "partition", msg.Position().String(), "offset", msg.Offset, "error", err)
}

func (l *Loop) maybeCommit(ctx context.Context) error {
	if l.cfg.CommitInterval > 0 && l.now().Sub(l.lastCommit) < l.cfg.CommitInterval {
		return nil
	}
	return l.commit(ctx, l.tracker.Uncommitted())
}

func (l *Loop) commit(ctx context.Context, marks map[progress.Partition]int64) error {
	l.lastCommit = l.now()
	if len(marks) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanCommit)
	defer span.End()

	if err := l.transport.Commit(ctx, marks); err != nil {
		tracing.SetSpanError(span, err)
		if l.metrics != nil {
			l.metrics.Commits.WithLabelValues("failed").Inc()
		}
		return fmt.Errorf("commit offsets: %w", err)
	}
	l.tracker.MarkCommitted(marks)

	if l.metrics != nil {
		l.metrics.Commits.WithLabelValues("ok").Inc()
		for p, off := range marks {
			l.metrics.CommittedOffset.WithLabelValues(p.Topic, strconv.FormatInt(int64(p.ID), 10)).Set(float64(off))
		}
	}
	l.log.Debug(ctx, "offsets committed", "partitions", len(marks))
	return nil
}

func (l *Loop) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()

	if err := l.commit(ctx, l.tracker.Uncommitted()); err != nil {
		l.log.Logger().Error("final commit failed", "error", err)
	}
	if err := l.transport.Close(); err != nil {
		l.log.Logger().Error("close transport", "error", err)
	}
}

// Revoked commits the marks of partitions being taken away and forgets them.
// It may run on the transport's rebalance goroutine while the loop is parked
// in Poll, so it only touches the tracker and the transport.
func (l *Loop) Revoked(ctx context.Context, partitions []progress.Partition) {
	pending := l.tracker.Uncommitted()
	marks := make(map[progress.Partition]int64, len(partitions))
	for _, p := range partitions {
		if off, ok := pending[p]; ok {
			marks[p] = off
		}
	}

	if len(marks) > 0 {
		if err := l.transport.Commit(ctx, marks); err != nil {
			l.log.Logger().Error("commit on revoke failed", "partitions", len(marks), "error", err)
		} else if l.metrics != nil {
			l.metrics.Commits.WithLabelValues("ok").Inc()
		}
	}
	l.tracker.Forget(partitions...)
	l.log.Logger().Info("partitions revoked", "partitions", partitionNames(partitions))
}

// Lost forgets partitions that were taken away without a chance to commit.
func (l *Loop) Lost(partitions []progress.Partition) {
	l.tracker.Forget(partitions...)
	l.log.Logger().Warn("partitions lost", "partitions", partitionNames(partitions))
}

func partitionNames(ps []progress.Partition) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.String()
	}
	return names
}
