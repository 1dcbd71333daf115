package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// errTopicAlreadyExists is Kafka protocol error code 36.
const errTopicAlreadyExists = 36

// createTopicIfNotExists issues a CreateTopics request and treats an
// already-existing topic as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=redpanda.create_topic: %w", err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=redpanda.create_topic: unexpected response type %T", resp)
	}
	for _, tr := range created.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=redpanda.create_topic: %s (code %d)", msg, tr.ErrorCode)
	}
	return nil
}
