package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meeplemeet/api/internal/config"
	"meeplemeet/api/internal/discussion"
	"meeplemeet/api/internal/memstore"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 7, 19, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testDiscussionConfig = config.DiscussionConfig{
	EditWindow:       15 * time.Minute,
	ResubscribeDelay: 10 * time.Millisecond,
	SubscriberBuffer: 1,
}

type harness struct {
	svc   *Service
	store *memstore.Store
	marks *memstore.Watermarks
	clock *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	store := memstore.New(memstore.WithClock(clock.Now))
	marks := memstore.NewWatermarks()
	svc := New(testDiscussionConfig, store, marks, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(svc.Close)

	_, err := store.CreateDiscussion(context.Background(), discussion.Discussion{
		ID:           "d1",
		Name:         "Friday game night",
		CreatorID:    "ana",
		Participants: []string{"ana", "ben", "cleo"},
		Admins:       []string{"ana"},
	})
	require.NoError(t, err)
	return &harness{svc: svc, store: store, marks: marks, clock: clock}
}

func (h *harness) poll(t *testing.T, multiple bool) string {
	t.Helper()
	id, err := h.svc.CreatePoll(context.Background(), "d1", "ana", CreatePollInput{
		Question:           "Which game?",
		Options:            []string{"Root", "Spirit Island", "Wingspan"},
		AllowMultipleVotes: multiple,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) snapshot(t *testing.T) discussion.Discussion {
	t.Helper()
	d, err := h.store.Snapshot(context.Background(), "d1")
	require.NoError(t, err)
	return d
}

// waitFor reads snapshots until match accepts one.
func waitFor(t *testing.T, ch <-chan discussion.Discussion, match func(discussion.Discussion) bool) discussion.Discussion {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case d, ok := <-ch:
			require.True(t, ok, "stream closed")
			if match(d) {
				return d
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return discussion.Discussion{}
		}
	}
}

func withMessages(n int) func(discussion.Discussion) bool {
	return func(d discussion.Discussion) bool { return len(d.Messages) == n }
}

func expectNothing(t *testing.T, ch <-chan discussion.Discussion) {
	t.Helper()
	select {
	case d, ok := <-ch:
		if ok {
			t.Fatalf("unexpected snapshot with %d messages", len(d.Messages))
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// scriptedBackend hands out streams the test feeds by hand.
type scriptedBackend struct {
	*memstore.Store

	mu      sync.Mutex
	streams []*scriptedStream
}

type scriptedStream struct {
	ch   chan discussion.Discussion
	once sync.Once
}

func (s *scriptedStream) close() {
	s.once.Do(func() { close(s.ch) })
}

func (b *scriptedBackend) Subscribe(ctx context.Context, _ string) (<-chan discussion.Discussion, error) {
	st := &scriptedStream{ch: make(chan discussion.Discussion)}
	b.mu.Lock()
	b.streams = append(b.streams, st)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		st.close()
	}()
	return st.ch, nil
}

func (b *scriptedBackend) stream(t *testing.T, i int) *scriptedStream {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.streams) > i
	}, testWait, testTick)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[i]
}

func (b *scriptedBackend) push(t *testing.T, i int, d discussion.Discussion) {
	t.Helper()
	select {
	case b.stream(t, i).ch <- d:
	case <-time.After(testWait):
		t.Fatal("feed did not take the snapshot")
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	applied []discussion.Discussion
	closed  []string
}

func (o *recordingObserver) SnapshotApplied(d discussion.Discussion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, d)
}

func (o *recordingObserver) FeedClosed(discussionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, discussionID)
}

func (o *recordingObserver) counts() (applied, closed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.applied), len(o.closed)
}

type fakePhotos struct {
	exists map[string]bool
	err    error
}

func (f fakePhotos) PhotoExists(_ context.Context, ref string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.exists[ref], nil
}

func (f fakePhotos) PhotoURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://photos.test/" + ref + "?sig=1", nil
}
