package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupChangeFeed(t *testing.T) *ChangeFeed {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewChangeFeed(client, "test:")
}

func TestChangeFeedPublishAndListen(t *testing.T) {
	feed := setupChangeFeed(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, err := feed.Listen(ctx, "d1")
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, feed.Publish(ctx, Change{DiscussionID: "d1", MessageID: "m1"}))

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "test:d1", msg.Channel)
		change, err := decodeChange(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "d1", change.DiscussionID)
		assert.Equal(t, "m1", change.MessageID)
		assert.False(t, change.At.IsZero())
	case <-ctx.Done():
		t.Fatal("timed out waiting for change")
	}
}

func TestChangeFeedChannelsAreIsolated(t *testing.T) {
	feed := setupChangeFeed(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, err := feed.Listen(ctx, "d1")
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, feed.Publish(ctx, Change{DiscussionID: "d2"}))
	require.NoError(t, feed.Publish(ctx, Change{DiscussionID: "d1", MessageID: "mine"}))

	msg := <-ps.Channel()
	change, err := decodeChange(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "mine", change.MessageID)
}

func TestDecodeChangeRejectsGarbage(t *testing.T) {
	_, err := decodeChange("not json")
	assert.Error(t, err)
}

func TestChangeForChecksDiscussion(t *testing.T) {
	change, err := changeFor(`{"discussion_id":"d1","message_id":"m1"}`, "d1")
	require.NoError(t, err)
	assert.Equal(t, "m1", change.MessageID)

	_, err = changeFor(`{"discussion_id":"d2"}`, "d1")
	assert.Error(t, err)

	_, err = changeFor("{", "d1")
	assert.Error(t, err)
}
