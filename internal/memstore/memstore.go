// Package memstore is an in-process message store with the same contract as
// the Postgres adapter. Tests and single-node tooling use it.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meeplemeet/api/internal/discussion"
	"meeplemeet/api/internal/util"
)

type Store struct {
	mu          sync.Mutex
	discussions map[string]*discussion.Discussion
	watchers    map[string]map[*watcher]struct{}
	now         func() time.Time
	last        time.Time
	failure     error
}

type watcher struct {
	ch     chan discussion.Discussion
	done   chan struct{}
	closed bool
}

type Option func(*Store)

// WithClock overrides the time source used for created/edited timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		discussions: make(map[string]*discussion.Discussion),
		watchers:    make(map[string]map[*watcher]struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWith makes every following call return a StoreError wrapping err until
// it is called again with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// DropStreams ends every open subscription on a discussion, the way a lost
// backend connection would.
func (s *Store) DropStreams(discussionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[discussionID] {
		s.closeWatcherLocked(discussionID, w)
	}
}

// Watchers reports the number of open subscriptions on a discussion.
func (s *Store) Watchers(discussionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[discussionID])
}

func (s *Store) Subscribe(ctx context.Context, discussionID string) (<-chan discussion.Discussion, error) {
	s.mu.Lock()
	if err := s.failedLocked("subscribe"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	d, ok := s.discussions[discussionID]
	if !ok {
		s.mu.Unlock()
		return nil, discussion.NewNotFoundError("discussion", discussionID)
	}
	w := &watcher{ch: make(chan discussion.Discussion, 1), done: make(chan struct{})}
	w.ch <- d.Clone()
	if s.watchers[discussionID] == nil {
		s.watchers[discussionID] = make(map[*watcher]struct{})
	}
	s.watchers[discussionID][w] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closeWatcherLocked(discussionID, w)
			s.mu.Unlock()
		case <-w.done:
		}
	}()
	return w.ch, nil
}

func (s *Store) closeWatcherLocked(discussionID string, w *watcher) {
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
	close(w.ch)
	delete(s.watchers[discussionID], w)
	if len(s.watchers[discussionID]) == 0 {
		delete(s.watchers, discussionID)
	}
}

// publishLocked hands the latest snapshot to every watcher, replacing any
// snapshot the watcher has not consumed yet.
func (s *Store) publishLocked(discussionID string) {
	d := s.discussions[discussionID]
	for w := range s.watchers[discussionID] {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- d.Clone()
	}
}

func (s *Store) Snapshot(_ context.Context, discussionID string) (discussion.Discussion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failedLocked("snapshot"); err != nil {
		return discussion.Discussion{}, err
	}
	d, ok := s.discussions[discussionID]
	if !ok {
		return discussion.Discussion{}, discussion.NewNotFoundError("discussion", discussionID)
	}
	return d.Clone(), nil
}

func (s *Store) CreateDiscussion(_ context.Context, d discussion.Discussion) (discussion.Discussion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failedLocked("create discussion"); err != nil {
		return discussion.Discussion{}, err
	}
	if d.ID == "" {
		d.ID = util.NewID("dsc")
	}
	if _, exists := s.discussions[d.ID]; exists {
		return discussion.Discussion{}, discussion.NewStoreError("create discussion", fmt.Errorf("discussion %s already exists", d.ID))
	}
	stored := d.Clone()
	if stored.Participants == nil {
		stored.Participants = []string{}
	}
	if stored.Admins == nil {
		stored.Admins = []string{}
	}
	stored.Messages = []discussion.Message{}
	s.discussions[d.ID] = &stored
	return stored.Clone(), nil
}

func (s *Store) UpdateMembers(_ context.Context, discussionID string, participants, admins []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failedLocked("update members"); err != nil {
		return err
	}
	d, ok := s.discussions[discussionID]
	if !ok {
		return discussion.NewNotFoundError("discussion", discussionID)
	}
	d.Participants = append([]string{}, participants...)
	d.Admins = append([]string{}, admins...)
	s.publishLocked(discussionID)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, discussionID string, m discussion.Message) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failedLocked("append message"); err != nil {
		return "", time.Time{}, err
	}
	d, ok := s.discussions[discussionID]
	if !ok {
		return "", time.Time{}, discussion.NewNotFoundError("discussion", discussionID)
	}
	stored := m.Clone()
	if stored.ID == "" {
		stored.ID = util.NewID("msg")
	}
	stored.DiscussionID = discussionID
	stored.CreatedAt = s.tickLocked()
	stored.EditedAt = nil
	stored.Removed = false
	if stored.Poll != nil {
		stored.Poll.Votes = nil
	}
	d.Messages = append(d.Messages, stored)
	discussion.SortMessages(d.Messages)
	s.publishLocked(discussionID)
	return stored.ID, stored.CreatedAt, nil
}

func (s *Store) MutateMessage(_ context.Context, discussionID, messageID string, patch discussion.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failedLocked("mutate message"); err != nil {
		return err
	}
	d, ok := s.discussions[discussionID]
	if !ok {
		return discussion.NewNotFoundError("discussion", discussionID)
	}
	_, idx, ok := d.Message(messageID)
	if !ok || d.Messages[idx].Removed {
		return discussion.NewNotFoundError("message", messageID)
	}
	m := &d.Messages[idx]

	switch {
	case patch.Content != nil:
		editedAt := s.tickLocked()
		m.Content = *patch.Content
		m.EditedAt = &editedAt
	case patch.Remove:
		m.Removed = true
		m.Content = ""
		m.PhotoRef = ""
		m.Poll = nil
	case patch.Vote != nil:
		if m.Poll == nil {
			return discussion.NewValidationError("messageId", "message does not carry a poll")
		}
		// Work on a copy so a rejected patch leaves the stored poll untouched.
		next := m.Poll.Clone()
		if err := discussion.ApplyVote(&next, *patch.Vote); err != nil {
			return err
		}
		m.Poll = &next
	default:
		return discussion.NewValidationError("patch", "patch does not change anything")
	}
	s.publishLocked(discussionID)
	return nil
}

// tickLocked returns a timestamp strictly after the previous one, so two
// writes in the same clock tick keep their insertion order.
func (s *Store) tickLocked() time.Time {
	now := s.now()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *Store) failedLocked(op string) error {
	if s.failure == nil {
		return nil
	}
	return discussion.NewStoreError(op, s.failure)
}
