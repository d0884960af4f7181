package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKeysBySubject(t *testing.T) {
	ev := New(TypeTaskTransitioned, "task-1", map[string]string{"to": "running"})
	msg, err := Encode(ev)
	require.NoError(t, err)
	assert.Equal(t, "task-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, TypeTaskTransitioned, string(msg.Headers[0].Value))

	var back map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	assert.Equal(t, CurrentSchemaVersion, back["schemaVersion"])
	assert.Equal(t, ev.ID, back["id"])
	assert.Equal(t, map[string]any{"to": "running"}, back["payload"])
}

func TestChannelPublisherDropsWhenFull(t *testing.T) {
	p := NewChannelPublisher(2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(ctx, New(TypeKnowledgePut, "k", nil)))
	}
	assert.Len(t, p.Drain(), 2)
	assert.Equal(t, 1, p.Dropped())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Error(t, p.Publish(ctx, New(TypeKnowledgePut, "k", nil)))
}

func TestKafkaPublisherConfig(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: "localhost:9092"})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: "a:9092,b:9092", Topic: "synapse.events"})
	require.NoError(t, err)
	assert.Equal(t, "synapse.events", p.w.Topic)
	require.NoError(t, p.Close())
}
