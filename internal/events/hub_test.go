package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()

	var got []Event
	unsub := hub.Subscribe(TopicKeyBlocked, func(_ context.Context, e Event) {
		got = append(got, e)
	})

	hub.Publish(context.Background(), TopicKeyBlocked, "k1", nil)
	hub.Publish(context.Background(), TopicKeySelected, "k1", nil)
	require.Len(t, got, 1)
	require.Equal(t, TopicKeyBlocked, got[0].Topic)

	unsub()
	hub.Publish(context.Background(), TopicKeyBlocked, "k1", nil)
	require.Len(t, got, 1)
}

func TestHubSubscribeAll(t *testing.T) {
	hub := NewHub()

	var topics []string
	hub.SubscribeAll(func(_ context.Context, e Event) {
		topics = append(topics, e.Topic)
	})

	hub.Publish(context.Background(), TopicKeySelected, nil, nil)
	hub.Publish(context.Background(), TopicConfigReloaded, nil, map[string]string{"source": "file"})
	require.Equal(t, []string{TopicKeySelected, TopicConfigReloaded}, topics)
}
