package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeplemeet/api/internal/discussion"
)

func newGameNight(t *testing.T, s *Store) discussion.Discussion {
	t.Helper()
	d, err := s.CreateDiscussion(context.Background(), discussion.Discussion{
		ID:           "d1",
		Name:         "Friday game night",
		CreatorID:    "ana",
		Participants: []string{"ana", "ben"},
		Admins:       []string{"ana"},
	})
	require.NoError(t, err)
	return d
}

func receive(t *testing.T, ch <-chan discussion.Discussion) discussion.Discussion {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "stream closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return discussion.Discussion{}
	}
}

func TestAppendOrdersBySameInstant(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	newGameNight(t, s)

	first, t1, err := s.AppendMessage(ctx, "d1", discussion.Message{SenderID: "ana", Content: "one"})
	require.NoError(t, err)
	second, t2, err := s.AppendMessage(ctx, "d1", discussion.Message{SenderID: "ben", Content: "two"})
	require.NoError(t, err)
	assert.True(t, t2.After(t1))

	d, err := s.Snapshot(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, d.Messages, 2)
	assert.Equal(t, first, d.Messages[0].ID)
	assert.Equal(t, second, d.Messages[1].ID)
}

func TestSubscribeDeliversCurrentThenLatest(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	newGameNight(t, s)

	ch, err := s.Subscribe(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, receive(t, ch).Messages)

	_, _, err = s.AppendMessage(ctx, "d1", discussion.Message{SenderID: "ana", Content: "a"})
	require.NoError(t, err)
	_, _, err = s.AppendMessage(ctx, "d1", discussion.Message{SenderID: "ana", Content: "b"})
	require.NoError(t, err)

	// The slow reader only sees the latest state.
	latest := receive(t, ch)
	assert.Len(t, latest.Messages, 2)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	newGameNight(t, s)

	ch, err := s.Subscribe(ctx, "d1")
	require.NoError(t, err)
	receive(t, ch)
	cancel()

	require.Eventually(t, func() bool { return s.Watchers("d1") == 0 }, 2*time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDropStreamsClosesChannel(t *testing.T) {
	s := New()
	newGameNight(t, s)
	ch, err := s.Subscribe(context.Background(), "d1")
	require.NoError(t, err)
	receive(t, ch)

	s.DropStreams("d1")

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, s.Watchers("d1"))
}

func TestMutateMessage(t *testing.T) {
	s := New()
	ctx := context.Background()
	newGameNight(t, s)

	id, _, err := s.AppendMessage(ctx, "d1", discussion.Message{
		SenderID: "ana",
		Poll:     &discussion.Poll{Question: "Which?", Options: []string{"A", "B"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.MutateMessage(ctx, "d1", id, discussion.Patch{
		Vote: &discussion.VotePatch{AccountID: "ben", Op: discussion.VoteSet, Options: []int{1}},
	}))
	err = s.MutateMessage(ctx, "d1", id, discussion.Patch{
		Vote: &discussion.VotePatch{AccountID: "ben", Op: discussion.VoteAdd, Options: []int{0}},
	})
	assert.ErrorIs(t, err, discussion.ErrValidation)

	d, err := s.Snapshot(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, d.Messages[0].Poll.Votes["ben"])

	require.NoError(t, s.MutateMessage(ctx, "d1", id, discussion.Patch{Remove: true}))
	d, err = s.Snapshot(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Messages[0].Removed)
	assert.Nil(t, d.Messages[0].Poll)

	assert.ErrorIs(t, s.MutateMessage(ctx, "d1", id, discussion.Patch{Remove: true}), discussion.ErrNotFound)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	newGameNight(t, s)

	d, err := s.Snapshot(ctx, "d1")
	require.NoError(t, err)
	d.Participants[0] = "mallory"

	again, err := s.Snapshot(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "ana", again.Participants[0])
}

func TestFailWith(t *testing.T) {
	s := New()
	ctx := context.Background()
	newGameNight(t, s)
	down := errors.New("connection refused")

	s.FailWith(down)
	_, _, err := s.AppendMessage(ctx, "d1", discussion.Message{SenderID: "ana", Content: "hi"})
	assert.ErrorIs(t, err, discussion.ErrStoreUnavailable)
	assert.ErrorIs(t, err, down)

	s.FailWith(nil)
	_, _, err = s.AppendMessage(ctx, "d1", discussion.Message{SenderID: "ana", Content: "hi"})
	assert.NoError(t, err)
}

func TestUnknownDiscussion(t *testing.T) {
	s := New()
	_, err := s.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, discussion.ErrNotFound)
	_, _, err = s.AppendMessage(context.Background(), "nope", discussion.Message{})
	assert.ErrorIs(t, err, discussion.ErrNotFound)
}
