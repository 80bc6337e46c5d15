package events

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

// EnsureTopics creates the given topics, ignoring ones that already exist.
func EnsureTopics(ctx context.Context, adm *kadm.Client, partitions int32, replicationFactor int16, topics ...string) error {
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return errors.Wrap(err, "create topics")
	}
	for _, detail := range resp {
		if detail.Err != nil && !errors.Is(detail.Err, kerr.TopicAlreadyExists) {
			return errors.Wrapf(detail.Err, "create topic %s", detail.Topic)
		}
	}
	return nil
}

// Ping checks that at least one broker answers a metadata request.
func Ping(ctx context.Context, adm *kadm.Client) error {
	brokers, err := adm.ListBrokers(ctx)
	if err != nil {
		return errors.Wrap(err, "list brokers")
	}
	if len(brokers) == 0 {
		return errors.New("no brokers available")
	}
	return nil
}
