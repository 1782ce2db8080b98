package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/ccsr/internal/kafka"
)

// topicLister abstracts the kadm call used by TopicChecker for testing.
type topicLister interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
}

// TopicChecker verifies that the consumed topics exist and are readable.
type TopicChecker struct {
	admin  topicLister
	close  func()
	topics []string
}

// NewTopicChecker creates an admin client for cluster.
func NewTopicChecker(cluster *kafka.ClusterConfig, topics []string) (*TopicChecker, error) {
	if cluster == nil {
		return nil, errors.New("cluster config is required")
	}
	opts, err := kafka.ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka admin client: %w", err)
	}
	return &TopicChecker{admin: kadm.NewClient(client), close: client.Close, topics: topics}, nil
}

// Check returns an error naming every topic that is missing or unreadable.
func (c *TopicChecker) Check(ctx context.Context) error {
	details, err := c.admin.ListTopics(ctx, c.topics...)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	var errs []error
	for _, topic := range c.topics {
		d, ok := details[topic]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("topic %s: not found", topic))
		case d.Err != nil:
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, d.Err))
		}
	}
	return errors.Join(errs...)
}

// Partitions returns the partition count of every readable topic.
func (c *TopicChecker) Partitions(ctx context.Context) (map[string]int, error) {
	details, err := c.admin.ListTopics(ctx, c.topics...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	out := make(map[string]int, len(details))
	for name, d := range details {
		if d.Err == nil {
			out[name] = len(d.Partitions)
		}
	}
	return out, nil
}

// Close releases the admin client.
func (c *TopicChecker) Close() {
	if c.close != nil {
		c.close()
	}
}
