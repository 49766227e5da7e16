package search

import (
	"context"
	"log/slog"
	"sync"

	"meeplemeet/api/internal/discussion"
)

// Service is the facade that tries Meilisearch first and falls back to PG
// FTS. It also keeps the index in step with ingested snapshots.
type Service struct {
	index    Indexer
	primary  Searcher
	fallback Searcher
	log      *slog.Logger

	mu      sync.Mutex
	indexed map[string]map[string]MessageRecord
	pending map[string][]indexJob
	// touched collects discussions that saw a snapshot during a reindex.
	touched map[string]struct{}
	wg      sync.WaitGroup
}

// RecordLoader reads every live message for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; fallback may be nil when no database is available.
func NewService(meili *Meili, fallback *PgFTS, log *slog.Logger) *Service {
	s := &Service{log: log.With("service", "search"), indexed: make(map[string]map[string]MessageRecord), pending: make(map[string][]indexJob)}
	if meili != nil {
		s.index = meili
		s.primary = meili
	}
	if fallback != nil {
		s.fallback = fallback
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SnapshotApplied queues the messages that changed since the last snapshot
// of the same discussion and the ones that were removed. Writes for one
// discussion reach the index in snapshot order.
func (s *Service) SnapshotApplied(d discussion.Discussion) {
	if s.index == nil || !s.index.Healthy() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched != nil {
		s.touched[d.ID] = struct{}{}
	}
	previous, seen := s.indexed[d.ID]
	current := make(map[string]MessageRecord, len(d.Messages))
	var job indexJob
	for _, r := range RecordsOf(d) {
		current[r.ID] = r
		if old, ok := previous[r.ID]; !ok || old != r {
			job.changed = append(job.changed, r)
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			job.removed = append(job.removed, id)
		}
	}
	if !seen {
		// A backfill may still hold messages removed before this feed opened.
		for _, m := range d.Messages {
			if m.Removed {
				job.removed = append(job.removed, m.ID)
			}
		}
	}
	s.indexed[d.ID] = current
	s.enqueueLocked(d.ID, job)
}

type indexJob struct {
	changed []MessageRecord
	removed []string
}

// enqueueLocked appends job to the discussion's queue and starts its writer
// if none is running. Callers hold s.mu.
func (s *Service) enqueueLocked(discussionID string, job indexJob) {
	if len(job.changed) == 0 && len(job.removed) == 0 {
		return
	}
	if s.pending == nil {
		s.pending = make(map[string][]indexJob)
	}
	queued, running := s.pending[discussionID]
	s.pending[discussionID] = append(queued, job)
	if running {
		return
	}
	s.wg.Add(1)
	go s.drain(discussionID)
}

// drain writes queued jobs for one discussion until the queue is empty.
func (s *Service) drain(discussionID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		jobs := s.pending[discussionID]
		if len(jobs) == 0 {
			delete(s.pending, discussionID)
			s.mu.Unlock()
			return
		}
		s.pending[discussionID] = jobs[:0:0]
		s.mu.Unlock()

		for _, job := range jobs {
			s.write(discussionID, job)
		}
	}
}

func (s *Service) write(discussionID string, job indexJob) {
	if len(job.changed) > 0 {
		if err := s.index.IndexMessages(job.changed); err != nil {
			s.log.Warn("index messages", "discussion_id", discussionID, "count", len(job.changed), "error", err)
			s.forget(discussionID, job.changed)
		}
	}
	if len(job.removed) > 0 {
		if err := s.index.DeleteMessages(job.removed); err != nil {
			s.log.Warn("delete messages", "discussion_id", discussionID, "count", len(job.removed), "error", err)
		}
	}
}

// forget drops records whose write failed so the next snapshot retries them.
func (s *Service) forget(discussionID string, records []MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		delete(s.indexed[discussionID], r.ID)
	}
}

// FeedClosed releases the per-discussion bookkeeping. Queued writes still
// run.
func (s *Service) FeedClosed(discussionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexed, discussionID)
}

// Wait blocks until queued index writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ReindexAllFromPG pushes every live message from PostgreSQL into
// Meilisearch. Discussions that received a snapshot while the rows were
// loading are skipped; their feed has already queued newer state.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg RecordLoader) {
	if s.index == nil || !s.index.Healthy() || pg == nil {
		return
	}
	s.mu.Lock()
	s.touched = make(map[string]struct{})
	s.mu.Unlock()

	records, err := pg.LoadAllRecords(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	touched := s.touched
	s.touched = nil
	if err != nil {
		s.log.Error("reindex load failed", "error", err)
		return
	}

	byDiscussion := make(map[string][]MessageRecord)
	for _, r := range records {
		byDiscussion[r.DiscussionID] = append(byDiscussion[r.DiscussionID], r)
	}
	skipped := 0
	for discussionID, batch := range byDiscussion {
		if _, ok := touched[discussionID]; ok {
			skipped++
			continue
		}
		if _, ok := s.indexed[discussionID]; ok {
			skipped++
			continue
		}
		s.enqueueLocked(discussionID, indexJob{changed: batch})
	}
	s.log.Info("reindex queued", "discussions", len(byDiscussion)-skipped, "skipped", skipped, "messages", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
