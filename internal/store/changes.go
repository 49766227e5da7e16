package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Change is the notification published after a committed write. It carries
// no state; listeners reload the discussion from Postgres.
type Change struct {
	DiscussionID string    `json:"discussion_id"`
	MessageID    string    `json:"message_id,omitempty"`
	At           time.Time `json:"at"`
}

// ChangeFeed fans write notifications out over Redis pub/sub, one channel
// per discussion.
type ChangeFeed struct {
	client *redis.Client
	prefix string
}

func NewChangeFeed(client *redis.Client, prefix string) *ChangeFeed {
	if prefix == "" {
		prefix = "discussion:"
	}
	return &ChangeFeed{client: client, prefix: prefix}
}

func (f *ChangeFeed) channel(discussionID string) string {
	return f.prefix + discussionID
}

func (f *ChangeFeed) Publish(ctx context.Context, change Change) error {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(change.DiscussionID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Listen subscribes to a discussion channel and returns once Redis has
// confirmed the subscription, so no change published afterwards is missed.
func (f *ChangeFeed) Listen(ctx context.Context, discussionID string) (*redis.PubSub, error) {
	ps := f.client.Subscribe(ctx, f.channel(discussionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", discussionID, err)
	}
	return ps, nil
}

func decodeChange(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, fmt.Errorf("unmarshal change: %w", err)
	}
	return change, nil
}

// changeFor decodes a notification received on discussionID's channel and
// rejects payloads that name another discussion.
func changeFor(payload, discussionID string) (Change, error) {
	change, err := decodeChange(payload)
	if err != nil {
		return Change{}, err
	}
	if change.DiscussionID != discussionID {
		return Change{}, fmt.Errorf("change for %q on channel of %q", change.DiscussionID, discussionID)
	}
	return change, nil
}
