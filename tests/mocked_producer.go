package tests

import (
	"context"

	"github.com/legacyvault/vault-processor/config/kafka"
)

type MockMessageProducer struct {
	Key            []byte
	Value          []byte
	ExecutionCount int
	Failing        bool
}

func (mp *MockMessageProducer) Produce(ctx context.Context, msg *kafka.ProducerMessage) bool {
	mp.Key = msg.Key
	mp.Value = msg.Value
	mp.ExecutionCount++

	return !mp.Failing
}

func (mp *MockMessageProducer) GetTopic() string {
	return "mocked_topic"
}
