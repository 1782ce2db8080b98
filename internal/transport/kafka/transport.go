// Package kafka implements the consumer transport and the dead-letter
// publisher on franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/lsm/ccsr/internal/consumer"
	"github.com/lsm/ccsr/internal/kafka"
	"github.com/lsm/ccsr/internal/progress"
)

const defaultMaxPollRecords = 500

// Config holds consumer transport configuration.
type Config struct {
	Cluster        *kafka.ClusterConfig // required
	GroupID        string
	OffsetReset    string // "earliest" (default) or "latest"
	MaxPollRecords int
}

// groupClient abstracts the kgo client methods used by Transport for testing.
type groupClient interface {
	AddConsumeTopics(topics ...string)
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	AllowRebalance()
	CommitOffsetsSync(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset,
		onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	Close()
}

// Transport hands out polled records one at a time. Rebalances are held back
// while records from the last poll are still buffered.
type Transport struct {
	client  groupClient
	logger  *slog.Logger
	maxPoll int

	mu       sync.Mutex
	pending  []*consumer.Message
	listener consumer.RebalanceListener

	closeOnce sync.Once
}

// NewTransport creates a group consumer for cfg.
func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	if cfg.Cluster == nil {
		return nil, errors.New("cluster config is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtStart()
	switch strings.ToLower(cfg.OffsetReset) {
	case "", "earliest":
	case "latest":
		offset = kgo.NewOffset().AtEnd()
	default:
		return nil, fmt.Errorf("offset reset %q must be earliest or latest", cfg.OffsetReset)
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	t := &Transport{logger: logger, maxPoll: cfg.MaxPollRecords}
	if t.maxPoll <= 0 {
		t.maxPoll = defaultMaxPollRecords
	}

	opts = append(opts,
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsRevoked(t.onRevoked),
		kgo.OnPartitionsLost(t.onLost),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	t.client = client
	return t, nil
}

// SetRebalanceListener implements consumer.RebalanceNotifier.
func (t *Transport) SetRebalanceListener(l consumer.RebalanceListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// Subscribe adds topics to the group subscription.
func (t *Transport) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return errors.New("no topics to subscribe to")
	}
	t.client.AddConsumeTopics(topics...)
	t.logger.Info("subscribed", "topics", topics)
	return nil
}

// Poll returns the next buffered record, fetching a new batch when the
// buffer is empty. It returns (nil, nil) if nothing arrives within timeout.
func (t *Transport) Poll(ctx context.Context, timeout time.Duration) (*consumer.Message, error) {
	if msg := t.next(); msg != nil {
		return msg, nil
	}

	// Nothing from the previous batch is left in flight, so a rebalance may
	// run while we wait for the next one.
	t.client.AllowRebalance()

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	fetches := t.client.PollRecords(pollCtx, t.maxPoll)
	cancel()

	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("%w: %w", consumer.ErrTransportFatal, kgo.ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fatal error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		if isFatalFetchError(err) {
			if fatal == nil {
				fatal = fmt.Errorf("%w: fetch %s[%d]: %w", consumer.ErrTransportFatal, topic, partition, err)
			}
			return
		}
		t.logger.Warn("fetch error, client will retry", "topic", topic, "partition", partition, "error", err)
	})
	if fatal != nil {
		return nil, fatal
	}

	var batch []*consumer.Message
	fetches.EachRecord(func(r *kgo.Record) {
		batch = append(batch, toMessage(r))
	})
	if len(batch) == 0 {
		return nil, nil
	}

	t.mu.Lock()
	t.pending = append(t.pending, batch...)
	t.mu.Unlock()
	return t.next(), nil
}

func (t *Transport) next() *consumer.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	msg := t.pending[0]
	t.pending[0] = nil
	t.pending = t.pending[1:]
	return msg
}

// Commit stores marks in the group. Kafka expects the next offset to read,
// so each mark is committed as mark+1.
func (t *Transport) Commit(ctx context.Context, marks map[progress.Partition]int64) error {
	if len(marks) == 0 {
		return nil
	}

	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for p, off := range marks {
		if offsets[p.Topic] == nil {
			offsets[p.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[p.Topic][p.ID] = kgo.EpochOffset{Epoch: -1, Offset: off + 1}
	}

	var commitErr error
	t.client.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		commitErr = partitionErrors(resp)
	})

	if commitErr != nil {
		if errors.Is(commitErr, kgo.ErrClientClosed) {
			return fmt.Errorf("%w: commit: %w", consumer.ErrTransportFatal, commitErr)
		}
		return fmt.Errorf("commit: %w", commitErr)
	}
	return nil
}

// Close leaves the group and releases the client. It is safe to call twice.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.client.Close()
		t.logger.Info("kafka consumer closed")
	})
	return nil
}

func (t *Transport) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	ps := toPartitions(revoked)
	if l := t.dropPending(ps); l != nil {
		l.Revoked(ctx, ps)
	}
}

func (t *Transport) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	ps := toPartitions(lost)
	if l := t.dropPending(ps); l != nil {
		l.Lost(ps)
	}
}

// dropPending discards buffered records of ps and returns the listener.
func (t *Transport) dropPending(ps []progress.Partition) consumer.RebalanceListener {
	gone := make(map[progress.Partition]struct{}, len(ps))
	for _, p := range ps {
		gone[p] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.pending[:0]
	for _, msg := range t.pending {
		if _, ok := gone[msg.Position()]; !ok {
			kept = append(kept, msg)
		}
	}
	for i := len(kept); i < len(t.pending); i++ {
		t.pending[i] = nil
	}
	t.pending = kept
	return t.listener
}

func toMessage(r *kgo.Record) *consumer.Message {
	msg := &consumer.Message{
		Key:       r.Key,
		Value:     r.Value,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		msg.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func toPartitions(m map[string][]int32) []progress.Partition {
	var ps []progress.Partition
	for topic, ids := range m {
		for _, id := range ids {
			ps = append(ps, progress.Partition{Topic: topic, ID: id})
		}
	}
	return ps
}

func partitionErrors(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for _, topic := range resp.Topics {
		for _, p := range topic.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", topic.Topic, p.Partition, err))
			}
		}
	}
	return errors.Join(errs...)
}

// isFatalFetchError reports errors retrying cannot fix, such as failed
// authentication or missing authorization.
func isFatalFetchError(err error) bool {
	if errors.Is(err, kgo.ErrClientClosed) {
		return true
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return !ke.Retriable
	}
	return false
}
