package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher with PostgreSQL full-text search. It is the
// fallback while Meilisearch is unavailable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const messageDocument = `to_tsvector('simple', m.content || ' ' || coalesce(m.poll_question, '') || ' ' || coalesce(m.poll_options::text, ''))`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	where := fmt.Sprintf(`m.discussion_id = $1 AND m.removed_at IS NULL AND %s @@ plainto_tsquery('simple', $2)`, messageDocument)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM messages m WHERE `+where, q.DiscussionID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.id, m.discussion_id, m.sender_id,
			CASE WHEN m.poll_question IS NOT NULL THEN 'poll' WHEN m.photo_ref <> '' THEN 'photo' ELSE 'text' END,
			ts_headline('simple', coalesce(m.poll_question, m.content), plainto_tsquery('simple', $2), 'MaxFragments=1,MaxWords=30'),
			m.created_at
		FROM messages m
		WHERE %s
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT %d OFFSET %d`, where, limit, offset), q.DiscussionID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.DiscussionID, &r.SenderID, &r.Kind, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.discussion_id, m.sender_id,
			CASE WHEN m.poll_question IS NOT NULL THEN 'poll' WHEN m.photo_ref <> '' THEN 'photo' ELSE 'text' END,
			CASE WHEN m.poll_question IS NOT NULL
				THEN m.poll_question || E'\n' || (SELECT string_agg(o, E'\n') FROM jsonb_array_elements_text(m.poll_options) AS o)
				ELSE m.content END,
			m.created_at
		FROM messages m
		WHERE m.removed_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var r MessageRecord
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.DiscussionID, &r.SenderID, &r.Kind, &r.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.CreatedAt = createdAt.UnixMilli()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
