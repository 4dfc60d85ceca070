package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { bus.Close() })

	return bus, mr
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	bus, _ := setupRedisBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Ping(ctx))

	sub, err := bus.Subscribe(ctx, Topic("p1", ChannelCode), Topic("p1", ChannelDB))
	require.NoError(t, err)
	defer sub.Close()

	err = bus.Publish(ctx, Topic("p1", ChannelDB), EventDBChange, "server", codeDelta{FileID: "f1", Content: "hello"})
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, Topic("p1", ChannelDB), msg.Topic)
		assert.Equal(t, EventDBChange, msg.Event)
		assert.Equal(t, "server", msg.Sender)

		var d codeDelta
		require.NoError(t, msg.Decode(&d))
		assert.Equal(t, "f1", d.FileID)
		assert.Equal(t, "hello", d.Content)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRedisBus_MalformedMessageReported(t *testing.T) {
	bus, mr := setupRedisBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "room-x-code")
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish("room-x-code", "not json")
	require.NoError(t, bus.Publish(ctx, "room-x-code", EventCodeUpdate, "s", codeDelta{FileID: "ok"}))

	select {
	case err := <-sub.Errors():
		assert.Contains(t, err.Error(), "failed to unmarshal")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error")
	}

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, EventCodeUpdate, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("subscription stopped after a malformed message")
	}
}

func TestRedisBus_CloseStopsSubscription(t *testing.T) {
	bus, _ := setupRedisBus(t)

	sub, err := bus.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestRedisBus_SubscribeFailsWhenServerDown(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer bus.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bus.Subscribe(ctx, "t")
	assert.Error(t, err)
}
