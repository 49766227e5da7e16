package search

import (
	"context"
	"strings"
	"time"

	"meeplemeet/api/internal/discussion"
)

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID    string    `json:"messageId"`
	DiscussionID string    `json:"discussionId"`
	SenderID     string    `json:"senderId"`
	Kind         string    `json:"kind"`
	Snippet      string    `json:"snippet"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Query describes a search request. Searches are always scoped to one
// discussion.
type Query struct {
	Text         string
	DiscussionID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessages(records []MessageRecord) error
	DeleteMessages(ids []string) error
	Healthy() bool
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID           string `json:"id"`
	DiscussionID string `json:"discussionId"`
	SenderID     string `json:"senderId"`
	Kind         string `json:"kind"`
	Body         string `json:"body"`
	CreatedAt    int64  `json:"createdAt"`
}

// RecordsOf maps the live messages of a snapshot to index records. Removed
// messages have no record. Poll messages are searchable by question and
// option labels, photo messages by caption.
func RecordsOf(d discussion.Discussion) []MessageRecord {
	records := make([]MessageRecord, 0, len(d.Messages))
	for _, m := range d.Messages {
		if m.Removed {
			continue
		}
		body := m.Content
		if m.Poll != nil {
			body = strings.Join(append([]string{m.Poll.Question}, m.Poll.Options...), "\n")
		}
		records = append(records, MessageRecord{
			ID:           m.ID,
			DiscussionID: d.ID,
			SenderID:     m.SenderID,
			Kind:         string(m.Kind()),
			Body:         body,
			CreatedAt:    m.CreatedAt.UnixMilli(),
		})
	}
	return records
}
