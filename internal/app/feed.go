package app

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"meeplemeet/api/internal/discussion"
	"meeplemeet/api/internal/metrics"
)

// Observer receives every distinct snapshot the feeds ingest. Calls happen on
// the feed's ingestion goroutine and must not block.
type Observer interface {
	SnapshotApplied(d discussion.Discussion)
	FeedClosed(discussionID string)
}

// feeds is the registry of live discussion subscriptions. A feed exists from
// the first subscriber of a discussion until the last one cancels.
type feeds struct {
	backend          Backend
	observers        []Observer
	metrics          *metrics.Metrics
	log              *slog.Logger
	resubscribeDelay time.Duration
	buffer           int

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	byID   map[string]*feed
	closed bool
}

type feed struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	refs   int

	// ready is closed once the backend stream is open or failed to open.
	ready   chan struct{}
	openErr error

	mu     sync.Mutex
	latest *discussion.Discussion
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	ch chan discussion.Discussion
}

// offer hands d to the subscriber, evicting the oldest undelivered snapshot
// when the buffer is full. Callers hold the feed lock.
func (s *subscriber) offer(d discussion.Discussion) {
	for {
		select {
		case s.ch <- d:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func newFeeds(backend Backend, cfg feedConfig) *feeds {
	root, stop := context.WithCancel(context.Background())
	buffer := cfg.buffer
	if buffer < 1 {
		buffer = 1
	}
	return &feeds{
		backend:          backend,
		observers:        cfg.observers,
		metrics:          cfg.metrics,
		log:              cfg.log,
		resubscribeDelay: cfg.resubscribeDelay,
		buffer:           buffer,
		root:             root,
		stop:             stop,
		byID:             make(map[string]*feed),
	}
}

type feedConfig struct {
	observers        []Observer
	metrics          *metrics.Metrics
	log              *slog.Logger
	resubscribeDelay time.Duration
	buffer           int
}

// subscribe joins the feed for discussionID, opening it if needed. The
// returned channel receives the latest known snapshot first and is closed
// when ctx ends.
func (r *feeds) subscribe(ctx context.Context, discussionID string) (<-chan discussion.Discussion, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, context.Canceled
	}
	f, exists := r.byID[discussionID]
	if !exists {
		fctx, cancel := context.WithCancel(r.root)
		f = &feed{
			id:     discussionID,
			ctx:    fctx,
			cancel: cancel,
			ready:  make(chan struct{}),
			subs:   make(map[*subscriber]struct{}),
		}
		r.byID[discussionID] = f
	}
	f.refs++
	r.mu.Unlock()

	if !exists {
		r.open(f)
	}

	select {
	case <-f.ready:
	case <-ctx.Done():
		r.release(f)
		return nil, ctx.Err()
	}
	if f.openErr != nil {
		return nil, f.openErr
	}

	sub := &subscriber{ch: make(chan discussion.Discussion, r.buffer)}
	f.mu.Lock()
	if f.latest != nil {
		sub.offer(f.latest.Clone())
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	r.metrics.SubscriberAdded()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.ctx.Done():
		}
		f.mu.Lock()
		delete(f.subs, sub)
		close(sub.ch)
		f.mu.Unlock()
		r.metrics.SubscriberRemoved()
		r.release(f)
	}()
	return sub.ch, nil
}

// open starts the backend stream for f. A failure removes f from the
// registry so the next subscriber tries again.
func (r *feeds) open(f *feed) {
	stream, err := r.backend.Subscribe(f.ctx, f.id)
	if err != nil {
		f.openErr = err
		r.mu.Lock()
		if r.byID[f.id] == f {
			delete(r.byID, f.id)
		}
		r.mu.Unlock()
		f.cancel()
		close(f.ready)
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		f.openErr = context.Canceled
		f.cancel()
		close(f.ready)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	r.metrics.FeedOpened()
	go r.run(f, stream)
	close(f.ready)
}

func (r *feeds) release(f *feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	if r.byID[f.id] == f {
		delete(r.byID, f.id)
	}
	f.cancel()
}

// run is the only writer of f.latest. It resubscribes after the backend
// stream ends until the feed is released.
func (r *feeds) run(f *feed, stream <-chan discussion.Discussion) {
	defer r.wg.Done()
	defer func() {
		r.metrics.FeedClosed()
		for _, o := range r.observers {
			o.FeedClosed(f.id)
		}
	}()

	for {
		for d := range stream {
			r.ingest(f, d)
		}
		if f.ctx.Err() != nil {
			return
		}

		stream = nil
		for stream == nil {
			r.log.Warn("discussion stream ended, resubscribing", "discussion_id", f.id, "delay", r.resubscribeDelay)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(r.resubscribeDelay):
			}
			next, err := r.backend.Subscribe(f.ctx, f.id)
			if err != nil {
				if f.ctx.Err() != nil {
					return
				}
				r.log.Error("resubscribe discussion", "discussion_id", f.id, "error", err)
				continue
			}
			r.metrics.Resubscribed()
			stream = next
		}
	}
}

// ingest replaces the canonical snapshot. Snapshots equal to the current one
// are dropped so replays reach neither subscribers nor observers.
func (r *feeds) ingest(f *feed, d discussion.Discussion) {
	next := discussion.Normalize(d)

	f.mu.Lock()
	if f.latest != nil && reflect.DeepEqual(*f.latest, next) {
		f.mu.Unlock()
		r.metrics.SnapshotIngested(true)
		return
	}
	f.latest = &next
	for sub := range f.subs {
		sub.offer(next.Clone())
	}
	f.mu.Unlock()
	r.metrics.SnapshotIngested(false)

	for _, o := range r.observers {
		o.SnapshotApplied(next.Clone())
	}
}

// latest returns the canonical snapshot of an active feed.
func (r *feeds) latest(discussionID string) (discussion.Discussion, bool) {
	r.mu.Lock()
	f, ok := r.byID[discussionID]
	r.mu.Unlock()
	if !ok {
		return discussion.Discussion{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return discussion.Discussion{}, false
	}
	return f.latest.Clone(), true
}

func (r *feeds) active(discussionID string) (refs int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byID[discussionID]
	if !ok {
		return 0, false
	}
	return f.refs, true
}

// close ends every feed and waits for the ingestion goroutines to exit.
func (r *feeds) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
}
