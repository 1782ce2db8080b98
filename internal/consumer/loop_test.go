package consumer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lsm/ccsr/internal/dlq"
	"github.com/lsm/ccsr/internal/observability"
	"github.com/lsm/ccsr/internal/progress"
	"github.com/lsm/ccsr/internal/schema"
)

const (
	countSchemaID   = 5
	nameSchemaID    = 6
	invalidSchemaID = 7
)

const countSchema = `{
  "type": "record",
  "name": "Count",
  "namespace": "io.confluent.examples.clients.cloud",
  "fields": [{"name": "count", "type": "long"}]
}`

const nameSchema = `{
  "type": "record",
  "name": "Name",
  "namespace": "io.confluent.examples.clients.cloud",
  "fields": [{"name": "name", "type": "string"}]
}`

// fakeRegistry serves the count and name schemas. Setting down makes every
// fetch fail; failFirst makes only the first n fetches fail.
type fakeRegistry struct {
	down      atomic.Bool
	failFirst atomic.Int32
	calls     atomic.Int32
}

func (r *fakeRegistry) FetchSchema(_ context.Context, id schema.ID) ([]byte, error) {
	n := r.calls.Add(1)
	if r.down.Load() || n <= r.failFirst.Load() {
		return nil, errors.New("dial tcp 127.0.0.1:8081: connection refused")
	}
	switch id {
	case countSchemaID:
		return []byte(countSchema), nil
	case nameSchemaID:
		return []byte(nameSchema), nil
	case invalidSchemaID:
		return []byte(`{"type": "string"}`), nil
	}
	return nil, schema.ErrSchemaNotFound
}

// fakeTransport replays queued messages, then either blocks until the poll
// timeout or fails fatally.
type fakeTransport struct {
	mu         sync.Mutex
	queue      []*Message
	commits    []map[progress.Partition]int64
	subscribed []string
	closed     bool
	commitErr  error
	fatal      bool
	drained    chan struct{}
	drainOnce  sync.Once
	listener   RebalanceListener
	onPoll     func(n int)
	polls      int
}

func newFakeTransport(msgs ...*Message) *fakeTransport {
	return &fakeTransport{queue: msgs, drained: make(chan struct{})}
}

func (f *fakeTransport) Subscribe(topics []string) error {
	f.subscribed = topics
	return nil
}

func (f *fakeTransport) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	f.mu.Lock()
	f.polls++
	if f.onPoll != nil {
		f.onPoll(f.polls)
	}
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	fatal := f.fatal
	f.mu.Unlock()

	f.drainOnce.Do(func() { close(f.drained) })
	if fatal {
		return nil, fmt.Errorf("%w: client closed", ErrTransportFatal)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (f *fakeTransport) Commit(_ context.Context, marks map[progress.Partition]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	cp := make(map[progress.Partition]int64, len(marks))
	for p, off := range marks {
		cp[p] = off
	}
	f.commits = append(f.commits, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SetRebalanceListener(l RebalanceListener) {
	f.listener = l
}

// committed folds every commit into the latest mark per partition.
func (f *fakeTransport) committed() map[progress.Partition]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[progress.Partition]int64)
	for _, c := range f.commits {
		for p, off := range c {
			out[p] = off
		}
	}
	return out
}

type harness struct {
	t         *testing.T
	registry  *fakeRegistry
	cache     *schema.Cache
	transport *fakeTransport
	out       *bytes.Buffer
	metrics   *observability.Metrics
	tracker   *progress.Tracker
	loop      *Loop
}

func newHarness(t *testing.T, cfg Config, msgs []*Message, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		registry:  &fakeRegistry{},
		transport: newFakeTransport(msgs...),
		out:       &bytes.Buffer{},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		tracker:   progress.New(),
	}
	cache, err := schema.NewCache(h.registry)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	h.cache = cache

	h.build(cfg, schema.NewDecoder(cache), opts...)
	return h
}

// build replaces the harness loop with one decoding values through dec.
func (h *harness) build(cfg Config, dec Decoder, opts ...Option) {
	h.t.Helper()
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"test1"}
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOutput(h.out),
		WithMetrics(h.metrics),
		WithTracker(h.tracker),
	}
	loop, err := New(cfg, h.transport, dec, append(base, opts...)...)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	h.loop = loop
}

// runUntilDrained runs the loop, cancels once every queued message was polled
// and returns Run's result.
func (h *harness) runUntilDrained() error {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	select {
	case <-h.transport.drained:
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("transport was not drained")
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return after cancellation")
		return nil
	}
}

func encode(t *testing.T, id schema.ID, text string, fields map[string]any) []byte {
	t.Helper()
	s, err := schema.Parse(id, []byte(text))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	b, err := schema.Encode(s, fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func countMsg(t *testing.T, partition int32, offset int64, name string, count int64) *Message {
	return &Message{
		Topic:     "test1",
		Partition: partition,
		Offset:    offset,
		Key:       encode(t, nameSchemaID, nameSchema, map[string]any{"name": name}),
		Value:     encode(t, countSchemaID, countSchema, map[string]any{"count": count}),
	}
}

var p0 = progress.Partition{Topic: "test1", ID: 0}

func TestNew_Validation(t *testing.T) {
	tr := newFakeTransport()
	dec := schema.NewDecoder(nil)

	if _, err := New(Config{Topics: []string{"t"}}, nil, dec); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := New(Config{Topics: []string{"t"}}, tr, nil); err == nil {
		t.Error("expected error for nil decoder")
	}
	if _, err := New(Config{}, tr, dec); err == nil {
		t.Error("expected error for missing topics")
	}
}

func TestRun_ProcessesAndCommits(t *testing.T) {
	h := newHarness(t, Config{}, []*Message{
		countMsg(t, 0, 0, "alice", 1),
		countMsg(t, 0, 1, "alice", 2),
		countMsg(t, 1, 0, "bob", 3),
	})

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	stats := h.loop.Stats()
	if stats.Total != 6 || stats.Processed != 3 || stats.Skipped != 0 {
		t.Fatalf("unexpected aggregate %+v", stats)
	}
	if stats.LastKey != "bob" {
		t.Errorf("expected last key bob, got %q", stats.LastKey)
	}

	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	want := []string{
		"Consumed record with key alice and value 1, and updated total count to 1",
		"Consumed record with key alice and value 2, and updated total count to 3",
		"Consumed record with key bob and value 3, and updated total count to 6",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %q", len(want), h.out.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}

	committed := h.transport.committed()
	if committed[p0] != 1 || committed[progress.Partition{Topic: "test1", ID: 1}] != 0 {
		t.Errorf("unexpected commits %v", committed)
	}
	if !h.transport.closed {
		t.Error("transport should be closed")
	}
	if len(h.transport.subscribed) != 1 || h.transport.subscribed[0] != "test1" {
		t.Errorf("unexpected subscription %v", h.transport.subscribed)
	}
	if got := testutil.ToFloat64(h.metrics.RecordsTotal.WithLabelValues("test1", "processed")); got != 3 {
		t.Errorf("expected 3 processed, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.AggregateTotal); got != 6 {
		t.Errorf("expected aggregate gauge 6, got %v", got)
	}
	if h.registry.calls.Load() != 2 {
		t.Errorf("expected one fetch per schema id, got %d", h.registry.calls.Load())
	}
}

func TestRun_MalformedEnvelopeSkipped(t *testing.T) {
	h := newHarness(t, Config{}, []*Message{
		{Topic: "test1", Partition: 0, Offset: 0, Value: []byte(`{"count": 1}`)},
		countMsg(t, 0, 1, "alice", 4),
	})

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	stats := h.loop.Stats()
	if stats.Skipped != 1 || stats.Processed != 1 || stats.Total != 4 {
		t.Fatalf("unexpected aggregate %+v", stats)
	}
	if got := testutil.ToFloat64(h.metrics.RecordsSkipped.WithLabelValues("test1", ReasonMalformedEnvelope)); got != 1 {
		t.Errorf("expected skip counter 1, got %v", got)
	}
	if !strings.Contains(h.out.String(), "Skipped record at test1[0] offset 0: MALFORMED_ENVELOPE") {
		t.Errorf("missing skip line in %q", h.out.String())
	}
	if off, _ := h.tracker.CommitPoint(p0); off != 1 {
		t.Errorf("expected commit point 1, got %d", off)
	}
}

func TestRun_FieldMismatchSkipped(t *testing.T) {
	truncated := countMsg(t, 0, 0, "alice", 1<<40)
	truncated.Value = truncated.Value[:len(truncated.Value)-2]
	wrongField := &Message{
		Topic: "test1", Partition: 0, Offset: 1,
		Value: encode(t, nameSchemaID, nameSchema, map[string]any{"name": "no count"}),
	}

	h := newHarness(t, Config{}, []*Message{truncated, wrongField})
	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := testutil.ToFloat64(h.metrics.RecordsSkipped.WithLabelValues("test1", ReasonFieldMismatch)); got != 2 {
		t.Errorf("expected 2 field mismatches, got %v", got)
	}
	if off, _ := h.tracker.CommitPoint(p0); off != 1 {
		t.Errorf("expected progress to advance past both, got %d", off)
	}
}

func TestRun_RegistryDownPoisonsAfterRetries(t *testing.T) {
	h := newHarness(t, Config{MaxSchemaRetries: 2}, []*Message{countMsg(t, 0, 7, "alice", 1)})
	h.registry.down.Store(true)

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := h.registry.calls.Load(); got != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d fetches", got)
	}
	stats := h.loop.Stats()
	if stats.Skipped != 1 || stats.Processed != 0 {
		t.Fatalf("unexpected aggregate %+v", stats)
	}
	if off, ok := h.tracker.CommitPoint(p0); !ok || off != 7 {
		t.Errorf("poisoned message should still advance progress, got %d (ok=%v)", off, ok)
	}
	if h.transport.committed()[p0] != 7 {
		t.Errorf("expected final commit at 7, got %v", h.transport.committed())
	}
	if got := testutil.ToFloat64(h.metrics.SchemaRetries.WithLabelValues("test1")); got != 2 {
		t.Errorf("expected 2 retries recorded, got %v", got)
	}
	if !strings.Contains(h.out.String(), ReasonSchemaUnavailable) {
		t.Errorf("skip line should surface the reason, got %q", h.out.String())
	}
}

func TestRun_RegistryRecoversWithinRetries(t *testing.T) {
	h := newHarness(t, Config{MaxSchemaRetries: 3}, []*Message{countMsg(t, 0, 0, "alice", 2)})
	h.registry.failFirst.Store(1)

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	stats := h.loop.Stats()
	if stats.Processed != 1 || stats.Skipped != 0 || stats.Total != 2 {
		t.Fatalf("unexpected aggregate %+v", stats)
	}
	if got := testutil.ToFloat64(h.metrics.SchemaRetries.WithLabelValues("test1")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestRun_OutOfOrderOffsetIgnored(t *testing.T) {
	h := newHarness(t, Config{}, []*Message{
		countMsg(t, 0, 10, "alice", 1),
		countMsg(t, 0, 9, "alice", 1),
	})

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if off, _ := h.tracker.CommitPoint(p0); off != 10 {
		t.Errorf("expected commit point to remain 10, got %d", off)
	}
	if got := testutil.ToFloat64(h.metrics.OutOfOrderOffsets.WithLabelValues("test1")); got != 1 {
		t.Errorf("expected one out-of-order offset, got %v", got)
	}
	if h.transport.committed()[p0] != 10 {
		t.Errorf("committed offset regressed: %v", h.transport.committed())
	}
}

func TestRun_CancelDuringPollExitsPromptly(t *testing.T) {
	h := newHarness(t, Config{PollTimeout: time.Minute, CommitInterval: time.Hour}, []*Message{
		countMsg(t, 0, 0, "alice", 1),
		countMsg(t, 0, 1, "alice", 1),
	})

	start := time.Now()
	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v to stop", elapsed)
	}

	// The hour-long interval means only the final commit can have happened.
	h.transport.mu.Lock()
	n := len(h.transport.commits)
	h.transport.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly the final commit, got %d commits", n)
	}
	if h.transport.committed()[p0] != 1 {
		t.Errorf("final commit should hold the last advanced offset, got %v", h.transport.committed())
	}
	if !h.transport.closed {
		t.Error("transport should be closed")
	}
}

func TestRun_TransportFatal(t *testing.T) {
	h := newHarness(t, Config{CommitInterval: time.Hour}, []*Message{countMsg(t, 0, 3, "alice", 1)})
	h.transport.fatal = true

	err := h.loop.Run(context.Background())
	if !errors.Is(err, ErrTransportFatal) {
		t.Fatalf("expected ErrTransportFatal, got %v", err)
	}
	if h.transport.committed()[p0] != 3 {
		t.Errorf("expected best-effort final commit at 3, got %v", h.transport.committed())
	}
	if !h.transport.closed {
		t.Error("transport should be closed on the fatal path")
	}
}

func TestRun_FinalCommitFailureStillCloses(t *testing.T) {
	h := newHarness(t, Config{CommitInterval: time.Hour}, []*Message{countMsg(t, 0, 0, "alice", 1)})
	h.transport.commitErr = errors.New("coordinator not available")

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !h.transport.closed {
		t.Error("transport should be closed")
	}
	if got := testutil.ToFloat64(h.metrics.Commits.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected one failed commit, got %v", got)
	}
}

func TestRun_CommitInterval(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	h := newHarness(t, Config{CommitInterval: 10 * time.Second}, []*Message{
		countMsg(t, 0, 0, "a", 1),
		countMsg(t, 0, 1, "a", 1),
		countMsg(t, 0, 2, "a", 1),
	}, WithClock(clock))
	h.transport.onPoll = func(n int) {
		if n == 2 {
			now.Add(int64(11 * time.Second))
		}
	}

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	h.transport.mu.Lock()
	commits := h.transport.commits
	h.transport.mu.Unlock()
	if len(commits) != 2 {
		t.Fatalf("expected one periodic and one final commit, got %v", commits)
	}
	if commits[0][p0] != 1 {
		t.Errorf("periodic commit should cover offset 1, got %v", commits[0])
	}
	if commits[1][p0] != 2 {
		t.Errorf("final commit should cover offset 2, got %v", commits[1])
	}
}

func TestRun_DeadLetter(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, Config{GroupID: "g1"}, []*Message{
		{Topic: "test1", Partition: 0, Offset: 4, Key: []byte("k"), Value: []byte{0x01}},
	}, WithDeadLetter(dlq.NewHandler(pub)))

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(pub.sent) != 1 {
		t.Fatalf("expected one dead-lettered record, got %d", len(pub.sent))
	}
	sent := pub.sent[0]
	if sent.topic != "ccsr-dlq-test1" {
		t.Errorf("unexpected DLQ topic %q", sent.topic)
	}
	if sent.headers[dlq.HeaderReason] != ReasonMalformedEnvelope {
		t.Errorf("unexpected reason header %q", sent.headers[dlq.HeaderReason])
	}
	if sent.headers[dlq.HeaderOffset] != "4" || sent.headers[dlq.HeaderGroupID] != "g1" {
		t.Errorf("unexpected headers %v", sent.headers)
	}
	if got := testutil.ToFloat64(h.metrics.DLQTotal.WithLabelValues("test1")); got != 1 {
		t.Errorf("expected DLQ counter 1, got %v", got)
	}
}

func TestRun_RawAndMissingKeys(t *testing.T) {
	raw := countMsg(t, 0, 0, "", 1)
	raw.Key = []byte("plain-key")
	none := countMsg(t, 0, 1, "", 1)
	none.Key = nil

	h := newHarness(t, Config{}, []*Message{raw, none})
	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	out := h.out.String()
	if !strings.Contains(out, "key plain-key and value 1") {
		t.Errorf("raw key not shown: %q", out)
	}
	if !strings.Contains(out, "key <none> and value 1") {
		t.Errorf("missing key not shown as <none>: %q", out)
	}
}

func TestRevoked_CommitsAndForgets(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	p1 := progress.Partition{Topic: "test1", ID: 1}
	h.tracker.Advance(p0, 5)
	h.tracker.Advance(p1, 8)

	h.loop.Revoked(context.Background(), []progress.Partition{p0})

	committed := h.transport.committed()
	if committed[p0] != 5 {
		t.Errorf("expected revoked partition committed at 5, got %v", committed)
	}
	if _, ok := committed[p1]; ok {
		t.Error("retained partition should not be committed on revoke")
	}
	if _, ok := h.tracker.CommitPoint(p0); ok {
		t.Error("revoked partition should be forgotten")
	}
	if _, ok := h.tracker.CommitPoint(p1); !ok {
		t.Error("retained partition should keep its mark")
	}
}

func TestLost_ForgetsWithoutCommit(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tracker.Advance(p0, 5)

	h.loop.Lost([]progress.Partition{p0})

	if len(h.transport.committed()) != 0 {
		t.Error("lost partitions must not be committed")
	}
	if _, ok := h.tracker.CommitPoint(p0); ok {
		t.Error("lost partition should be forgotten")
	}
}

func TestRun_RegistersRebalanceListener(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if h.transport.listener != h.loop {
		t.Error("loop should register itself as rebalance listener")
	}
}

type sentRecord struct {
	topic   string
	headers map[string]string
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sentRecord
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentRecord{topic: topic, headers: headers})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type decoderFunc func(ctx context.Context, data []byte) (*schema.Record, error)

func (f decoderFunc) Decode(ctx context.Context, data []byte) (*schema.Record, error) {
	return f(ctx, data)
}

func TestRun_ReaderSchemaDoesNotApplyToKeys(t *testing.T) {
	h := newHarness(t, Config{}, []*Message{countMsg(t, 0, 0, "alice", 3)})
	reader, err := schema.Parse(0, []byte(countSchema))
	if err != nil {
		t.Fatalf("parse reader schema: %v", err)
	}
	h.build(Config{},
		schema.NewDecoder(h.cache, schema.WithReaderSchema(reader)),
		WithKeyDecoder(schema.NewDecoder(h.cache)),
	)

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := "Consumed record with key alice and value 3, and updated total count to 3\n"
	if h.out.String() != want {
		t.Errorf("got %q, want %q", h.out.String(), want)
	}
}

func TestRun_SchemaInvalidSkippedWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{MaxSchemaRetries: 3}, []*Message{
		{Topic: "test1", Partition: 0, Offset: 4, Value: []byte{0, 0, 0, 0, invalidSchemaID, 0x02}},
	})

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := h.registry.calls.Load(); got != 1 {
		t.Errorf("invalid schema should not be retried, got %d fetches", got)
	}
	if got := testutil.ToFloat64(h.metrics.RecordsSkipped.WithLabelValues("test1", ReasonSchemaInvalid)); got != 1 {
		t.Errorf("expected 1 SCHEMA_INVALID skip, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.SchemaRetries.WithLabelValues("test1")); got != 0 {
		t.Errorf("expected no schema retries, got %v", got)
	}
	if !strings.Contains(h.out.String(), "Skipped record at test1[0] offset 4: SCHEMA_INVALID") {
		t.Errorf("missing skip line in %q", h.out.String())
	}
	if off, ok := h.tracker.CommitPoint(p0); !ok || off != 4 {
		t.Errorf("expected progress at 4, got %d (ok=%v)", off, ok)
	}
	if h.transport.committed()[p0] != 4 {
		t.Errorf("expected commit at 4, got %v", h.transport.committed())
	}
}

func TestRun_CancelDuringSchemaBackoffAbandonsMessage(t *testing.T) {
	h := newHarness(t, Config{
		MaxSchemaRetries: 5,
		RetryBackoff:     time.Minute,
		MaxRetryBackoff:  time.Minute,
	}, []*Message{countMsg(t, 0, 3, "alice", 1)})
	h.registry.down.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.registry.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("registry was never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return during backoff")
	}

	if _, ok := h.tracker.CommitPoint(p0); ok {
		t.Error("abandoned message must not advance progress")
	}
	if c := h.transport.committed(); len(c) != 0 {
		t.Errorf("expected no commits, got %v", c)
	}
	stats := h.loop.Stats()
	if stats.Skipped != 0 || stats.Processed != 0 {
		t.Errorf("abandoned message should be neither skipped nor processed: %+v", stats)
	}
	if h.out.Len() != 0 {
		t.Errorf("expected no status lines, got %q", h.out.String())
	}
	if !h.transport.closed {
		t.Error("transport should be closed")
	}
}

func TestRun_PermanentFailureAtCancellationIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Config{}, []*Message{{Topic: "test1", Partition: 0, Offset: 3, Value: []byte{1}}})
	h.build(Config{}, decoderFunc(func(context.Context, []byte) (*schema.Record, error) {
		cancel()
		return nil, fmt.Errorf("%w: unknown magic byte 1", schema.ErrMalformedEnvelope)
	}))

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if stats := h.loop.Stats(); stats.Skipped != 1 {
		t.Errorf("expected the malformed message to be skipped, got %+v", stats)
	}
	if h.transport.committed()[p0] != 3 {
		t.Errorf("expected commit at 3, got %v", h.transport.committed())
	}
	if !strings.Contains(h.out.String(), ReasonMalformedEnvelope) {
		t.Errorf("missing skip line in %q", h.out.String())
	}
}

func spanAttr(s tracetest.SpanStub, key string) string {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestRun_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	h := newHarness(t, Config{GroupID: "g1", MaxSchemaRetries: 2}, []*Message{
		countMsg(t, 0, 0, "alice", 1),
		{Topic: "test1", Partition: 0, Offset: 1, Value: []byte("junk")},
	}, WithTracer(tp.Tracer("test")))
	h.registry.failFirst.Store(1)

	if err := h.runUntilDrained(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var decodes int
	var consumes []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		switch s.Name {
		case "ccsr.decode":
			decodes++
		case "ccsr.consume":
			consumes = append(consumes, s)
		}
	}
	// One failed and one successful attempt for the first message, one for the junk.
	if decodes != 3 {
		t.Errorf("expected 3 decode spans, got %d", decodes)
	}
	if len(consumes) != 2 {
		t.Fatalf("expected 2 consume spans, got %d", len(consumes))
	}
	for _, s := range consumes {
		if got := spanAttr(s, "messaging.kafka.consumer.group"); got != "g1" {
			t.Errorf("expected consumer group g1, got %q", got)
		}
	}
	if got := spanAttr(consumes[0], "ccsr.skip.reason"); got != "" {
		t.Errorf("processed record should have no skip reason, got %q", got)
	}
	if got := spanAttr(consumes[1], "ccsr.skip.reason"); got != ReasonMalformedEnvelope {
		t.Errorf("expected skip reason %s, got %q", ReasonMalformedEnvelope, got)
	}
}
