// Package consumer drives the poll, decode, aggregate and commit cycle.
package consumer

import (
	"context"
	"time"

	"github.com/lsm/ccsr/internal/progress"
)

// Message is a record as delivered by the transport. It is not modified after Poll returns it.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
}

// Position returns the partition the message was read from.
func (m *Message) Position() progress.Partition {
	return progress.Partition{Topic: m.Topic, ID: m.Partition}
}

// Transport is the broker-side collaborator of the loop.
//
// Poll waits at most timeout and returns (nil, nil) when nothing arrived.
// Commit receives progress marks, the offset of the last handled message per
// partition; implementations translate them to the broker's convention.
// Errors wrapping ErrTransportFatal stop the loop.
type Transport interface {
	Subscribe(topics []string) error
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	Commit(ctx context.Context, marks map[progress.Partition]int64) error
	Close() error
}

// RebalanceListener is told about partitions leaving this consumer.
type RebalanceListener interface {
	// Revoked runs before the partitions are handed to another member; the
	// listener may still commit them.
	Revoked(ctx context.Context, partitions []progress.Partition)
	// Lost runs when the partitions are already gone and cannot be committed.
	Lost(partitions []progress.Partition)
}

// RebalanceNotifier is implemented by transports that report rebalances.
type RebalanceNotifier interface {
	SetRebalanceListener(l RebalanceListener)
}
