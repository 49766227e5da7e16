package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"meeplemeet/api/internal/discussion"
	"meeplemeet/api/internal/util"
)

const pgForeignKeyViolation = "23503"

// PostgresStore is the message store adapter. Postgres is the source of
// truth; every committed write is announced on the ChangeFeed and
// subscribers reload a full snapshot in response.
type PostgresStore struct {
	db      *sql.DB
	changes *ChangeFeed
	log     *slog.Logger
}

func NewPostgresStore(db *sql.DB, changes *ChangeFeed, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: db, changes: changes, log: log.With("component", "postgres_store")}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Subscribe delivers the current snapshot followed by a fresh snapshot after
// every change notification. The channel closes when ctx ends or the Redis
// subscription is lost.
func (s *PostgresStore) Subscribe(ctx context.Context, discussionID string) (<-chan discussion.Discussion, error) {
	ps, err := s.changes.Listen(ctx, discussionID)
	if err != nil {
		return nil, discussion.NewStoreError("subscribe", err)
	}
	first, err := s.Snapshot(ctx, discussionID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan discussion.Discussion, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		if !deliver(ctx, out, first) {
			return
		}
		notifications := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-notifications:
				if !ok {
					return
				}
				if _, err := changeFor(msg.Payload, discussionID); err != nil {
					s.log.Warn("ignore change notification", "discussion_id", discussionID, "error", err)
					continue
				}
			}
			// One reload covers every notification queued so far.
			drain(notifications)

			snapshot, err := s.Snapshot(ctx, discussionID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("reload discussion after change", "discussion_id", discussionID, "error", err)
				if errors.Is(err, discussion.ErrNotFound) {
					return
				}
				continue
			}
			if !deliver(ctx, out, snapshot) {
				return
			}
		}
	}()
	return out, nil
}

func deliver(ctx context.Context, out chan<- discussion.Discussion, d discussion.Discussion) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain[T any](ch <-chan T) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Snapshot reads the discussion, its members, messages and votes in one
// repeatable-read transaction.
func (s *PostgresStore) Snapshot(ctx context.Context, discussionID string) (discussion.Discussion, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("snapshot", fmt.Errorf("begin snapshot tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	d := discussion.Discussion{ID: discussionID}
	err = tx.QueryRowContext(ctx, `
		SELECT name, creator_id, profile_picture_ref, session_ref
		FROM discussions
		WHERE id=$1
	`, discussionID).Scan(&d.Name, &d.CreatorID, &d.ProfilePictureRef, &d.SessionRef)
	if errors.Is(err, sql.ErrNoRows) {
		return discussion.Discussion{}, discussion.NewNotFoundError("discussion", discussionID)
	}
	if err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("snapshot", fmt.Errorf("read discussion: %w", err))
	}

	if err := loadMembers(ctx, tx, &d); err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("snapshot", err)
	}
	if err := loadMessages(ctx, tx, &d); err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("snapshot", err)
	}
	if err := loadVotes(ctx, tx, &d); err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("snapshot", err)
	}
	return d, nil
}

func loadMembers(ctx context.Context, tx *sql.Tx, d *discussion.Discussion) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT account_id, is_admin
		FROM discussion_participants
		WHERE discussion_id=$1
		ORDER BY position ASC
	`, d.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	d.Participants = []string{}
	d.Admins = []string{}
	for rows.Next() {
		var accountID string
		var isAdmin bool
		if err := rows.Scan(&accountID, &isAdmin); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		d.Participants = append(d.Participants, accountID)
		if isAdmin {
			d.Admins = append(d.Admins, accountID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate participants: %w", err)
	}
	return nil
}

func loadMessages(ctx context.Context, tx *sql.Tx, d *discussion.Discussion) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender_id, content, photo_ref, poll_question, poll_options, poll_allow_multiple,
		       created_at, edited_at, removed_at
		FROM messages
		WHERE discussion_id=$1
		ORDER BY created_at ASC, id ASC
	`, d.ID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	d.Messages = []discussion.Message{}
	for rows.Next() {
		var (
			m            = discussion.Message{DiscussionID: d.ID}
			pollQuestion sql.NullString
			pollOptions  []byte
			allowMulti   bool
			editedAt     sql.NullTime
			removedAt    sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Content, &m.PhotoRef, &pollQuestion, &pollOptions, &allowMulti,
			&m.CreatedAt, &editedAt, &removedAt); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		if editedAt.Valid {
			t := editedAt.Time
			m.EditedAt = &t
		}
		m.Removed = removedAt.Valid
		if pollQuestion.Valid && !m.Removed {
			p := &discussion.Poll{Question: pollQuestion.String, AllowMultipleVotes: allowMulti}
			if err := json.Unmarshal(pollOptions, &p.Options); err != nil {
				return fmt.Errorf("decode poll options for %s: %w", m.ID, err)
			}
			m.Poll = p
		}
		d.Messages = append(d.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	return nil
}

func loadVotes(ctx context.Context, tx *sql.Tx, d *discussion.Discussion) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT pv.message_id, pv.account_id, pv.option_index
		FROM poll_votes pv
		JOIN messages m ON m.id = pv.message_id
		WHERE m.discussion_id=$1 AND m.removed_at IS NULL
		ORDER BY pv.message_id, pv.account_id, pv.option_index
	`, d.ID)
	if err != nil {
		return fmt.Errorf("list poll votes: %w", err)
	}
	defer rows.Close()

	polls := make(map[string]*discussion.Poll)
	for i := range d.Messages {
		if d.Messages[i].Poll != nil {
			polls[d.Messages[i].ID] = d.Messages[i].Poll
		}
	}
	for rows.Next() {
		var messageID, accountID string
		var option int
		if err := rows.Scan(&messageID, &accountID, &option); err != nil {
			return fmt.Errorf("scan poll vote: %w", err)
		}
		p, ok := polls[messageID]
		if !ok {
			continue
		}
		if p.Votes == nil {
			p.Votes = make(map[string][]int)
		}
		p.Votes[accountID] = append(p.Votes[accountID], option)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate poll votes: %w", err)
	}
	return nil
}

// CreateDiscussion inserts d with its members. An empty id is generated.
func (s *PostgresStore) CreateDiscussion(ctx context.Context, d discussion.Discussion) (discussion.Discussion, error) {
	if d.ID == "" {
		d.ID = util.NewID("dsc")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("create discussion", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO discussions (id, name, creator_id, profile_picture_ref, session_ref)
		VALUES ($1, $2, $3, $4, $5)
	`, d.ID, d.Name, d.CreatorID, d.ProfilePictureRef, d.SessionRef); err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("create discussion", fmt.Errorf("insert discussion: %w", err))
	}
	if err := insertMembers(ctx, tx, d.ID, d.Participants, d.Admins); err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("create discussion", err)
	}
	if err := tx.Commit(); err != nil {
		return discussion.Discussion{}, discussion.NewStoreError("create discussion", fmt.Errorf("commit: %w", err))
	}
	return s.Snapshot(ctx, d.ID)
}

// UpdateMembers replaces the participant and admin lists of a discussion.
func (s *PostgresStore) UpdateMembers(ctx context.Context, discussionID string, participants, admins []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return discussion.NewStoreError("update members", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM discussions WHERE id=$1 FOR UPDATE`, discussionID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return discussion.NewNotFoundError("discussion", discussionID)
	}
	if err != nil {
		return discussion.NewStoreError("update members", fmt.Errorf("lock discussion: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM discussion_participants WHERE discussion_id=$1`, discussionID); err != nil {
		return discussion.NewStoreError("update members", fmt.Errorf("clear participants: %w", err))
	}
	if err := insertMembers(ctx, tx, discussionID, participants, admins); err != nil {
		return discussion.NewStoreError("update members", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE discussions SET updated_at=NOW() WHERE id=$1`, discussionID); err != nil {
		return discussion.NewStoreError("update members", fmt.Errorf("touch discussion: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return discussion.NewStoreError("update members", fmt.Errorf("commit: %w", err))
	}
	s.announce(ctx, Change{DiscussionID: discussionID})
	return nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, discussionID string, participants, admins []string) error {
	isAdmin := make(map[string]bool, len(admins))
	for _, a := range admins {
		isAdmin[a] = true
	}
	for position, accountID := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO discussion_participants (discussion_id, account_id, position, is_admin)
			VALUES ($1, $2, $3, $4)
		`, discussionID, accountID, position, isAdmin[accountID]); err != nil {
			return fmt.Errorf("insert participant %s: %w", accountID, err)
		}
	}
	return nil
}

// AppendMessage stores m and returns the assigned id and creation time.
func (s *PostgresStore) AppendMessage(ctx context.Context, discussionID string, m discussion.Message) (string, time.Time, error) {
	if m.ID == "" {
		m.ID = util.NewID("msg")
	}

	var (
		pollQuestion sql.NullString
		pollOptions  any
		allowMulti   bool
	)
	if m.Poll != nil {
		encoded, err := json.Marshal(m.Poll.Options)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("marshal poll options: %w", err)
		}
		pollQuestion = sql.NullString{String: m.Poll.Question, Valid: true}
		pollOptions = string(encoded)
		allowMulti = m.Poll.AllowMultipleVotes
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", time.Time{}, discussion.NewStoreError("append message", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	// Appends to one discussion hold the discussion row until commit, so
	// created_at follows commit order.
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM discussions WHERE id=$1 FOR UPDATE`, discussionID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, discussion.NewNotFoundError("discussion", discussionID)
	}
	if err != nil {
		return "", time.Time{}, discussion.NewStoreError("append message", fmt.Errorf("lock discussion: %w", err))
	}

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, discussion_id, sender_id, content, photo_ref, poll_question, poll_options, poll_allow_multiple, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, GREATEST(
			clock_timestamp(),
			(SELECT MAX(created_at) + INTERVAL '1 microsecond' FROM messages WHERE discussion_id=$2)
		))
		RETURNING created_at
	`, m.ID, discussionID, m.SenderID, m.Content, m.PhotoRef, pollQuestion, pollOptions, allowMulti).Scan(&createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return "", time.Time{}, discussion.NewNotFoundError("discussion", discussionID)
		}
		return "", time.Time{}, discussion.NewStoreError("append message", fmt.Errorf("insert message: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return "", time.Time{}, discussion.NewStoreError("append message", fmt.Errorf("commit: %w", err))
	}

	s.announce(ctx, Change{DiscussionID: discussionID, MessageID: m.ID, At: createdAt})
	return m.ID, createdAt, nil
}

// MutateMessage applies a field-level patch to a live message. Removed
// messages are reported as not found.
func (s *PostgresStore) MutateMessage(ctx context.Context, discussionID, messageID string, patch discussion.Patch) error {
	var err error
	switch {
	case patch.Content != nil:
		err = s.execOnLiveMessage(ctx, "edit message", messageID, `
			UPDATE messages SET content=$3, edited_at=clock_timestamp()
			WHERE discussion_id=$1 AND id=$2 AND removed_at IS NULL
		`, discussionID, messageID, *patch.Content)
	case patch.Remove:
		err = s.execOnLiveMessage(ctx, "remove message", messageID, `
			UPDATE messages SET content='', photo_ref='', removed_at=clock_timestamp()
			WHERE discussion_id=$1 AND id=$2 AND removed_at IS NULL
		`, discussionID, messageID)
	case patch.Vote != nil:
		err = s.applyVote(ctx, discussionID, messageID, *patch.Vote)
	default:
		return discussion.NewValidationError("patch", "patch does not change anything")
	}
	if err != nil {
		return err
	}
	s.announce(ctx, Change{DiscussionID: discussionID, MessageID: messageID})
	return nil
}

func (s *PostgresStore) execOnLiveMessage(ctx context.Context, op, messageID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return discussion.NewStoreError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return discussion.NewStoreError(op, fmt.Errorf("rows affected: %w", err))
	}
	if affected == 0 {
		return discussion.NewNotFoundError("message", messageID)
	}
	return nil
}

// applyVote changes one account's vote set inside a transaction holding the
// message row lock, so a single-choice replacement is never observed half
// applied.
func (s *PostgresStore) applyVote(ctx context.Context, discussionID, messageID string, vote discussion.VotePatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return discussion.NewStoreError("vote", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var (
		pollOptions []byte
		allowMulti  bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT poll_options, poll_allow_multiple
		FROM messages
		WHERE discussion_id=$1 AND id=$2 AND removed_at IS NULL
		FOR UPDATE
	`, discussionID, messageID).Scan(&pollOptions, &allowMulti)
	if errors.Is(err, sql.ErrNoRows) {
		return discussion.NewNotFoundError("message", messageID)
	}
	if err != nil {
		return discussion.NewStoreError("vote", fmt.Errorf("lock message: %w", err))
	}
	if pollOptions == nil {
		return discussion.NewValidationError("messageId", "message does not carry a poll")
	}

	var options []string
	if err := json.Unmarshal(pollOptions, &options); err != nil {
		return discussion.NewStoreError("vote", fmt.Errorf("decode poll options: %w", err))
	}
	current, err := currentVotes(ctx, tx, messageID, vote.AccountID)
	if err != nil {
		return discussion.NewStoreError("vote", err)
	}

	// The shared transition decides the resulting set; the rows are then
	// rewritten to match it.
	p := &discussion.Poll{Options: options, AllowMultipleVotes: allowMulti}
	if len(current) > 0 {
		p.Votes = map[string][]int{vote.AccountID: current}
	}
	if err := discussion.ApplyVote(p, vote); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM poll_votes WHERE message_id=$1 AND account_id=$2`, messageID, vote.AccountID); err != nil {
		return discussion.NewStoreError("vote", fmt.Errorf("clear votes: %w", err))
	}
	for _, option := range p.Votes[vote.AccountID] {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO poll_votes (message_id, account_id, option_index)
			VALUES ($1, $2, $3)
		`, messageID, vote.AccountID, option); err != nil {
			return discussion.NewStoreError("vote", fmt.Errorf("insert vote: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return discussion.NewStoreError("vote", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func currentVotes(ctx context.Context, tx *sql.Tx, messageID, accountID string) ([]int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT option_index FROM poll_votes
		WHERE message_id=$1 AND account_id=$2
		ORDER BY option_index
	`, messageID, accountID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var option int
		if err := rows.Scan(&option); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, option)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return out, nil
}

// announce publishes a change after commit. The write is already durable, so
// a failed publish is logged rather than reported to the caller; the next
// change on the discussion carries a full snapshot anyway.
func (s *PostgresStore) announce(ctx context.Context, change Change) {
	if err := s.changes.Publish(ctx, change); err != nil {
		s.log.Warn("publish change", "discussion_id", change.DiscussionID, "error", err)
	}
}
