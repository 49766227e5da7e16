package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"meeplemeet/api/internal/config"
	"meeplemeet/api/internal/discussion"
	"meeplemeet/api/internal/metrics"
	"meeplemeet/api/internal/rbac"
	"meeplemeet/api/internal/search"
)

// Backend is the message store the synchronizer writes to and ingests from.
type Backend interface {
	Subscribe(ctx context.Context, discussionID string) (<-chan discussion.Discussion, error)
	Snapshot(ctx context.Context, discussionID string) (discussion.Discussion, error)
	CreateDiscussion(ctx context.Context, d discussion.Discussion) (discussion.Discussion, error)
	UpdateMembers(ctx context.Context, discussionID string, participants, admins []string) error
	AppendMessage(ctx context.Context, discussionID string, m discussion.Message) (string, time.Time, error)
	MutateMessage(ctx context.Context, discussionID, messageID string, patch discussion.Patch) error
}

type WatermarkStore interface {
	GetWatermark(ctx context.Context, discussionID, accountID string) (discussion.Watermark, error)
	// SetWatermark stores w unless the current watermark is already at or
	// past it, and reports whether it advanced.
	SetWatermark(ctx context.Context, discussionID, accountID string, w discussion.Watermark) (bool, error)
}

// Photos resolves photo references produced by the upload pipeline.
type Photos interface {
	PhotoExists(ctx context.Context, ref string) (bool, error)
	PhotoURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type pinger interface {
	Ping(ctx context.Context) error
}

type CreateDiscussionInput struct {
	Name              string   `json:"name"`
	Participants      []string `json:"participants"`
	Admins            []string `json:"admins"`
	ProfilePictureRef string   `json:"profilePictureRef"`
	SessionRef        string   `json:"sessionRef"`
}

type CreatePollInput struct {
	Question           string   `json:"question"`
	Options            []string `json:"options"`
	AllowMultipleVotes bool     `json:"allowMultipleVotes"`
}

const photoURLTTL = 15 * time.Minute

type Service struct {
	backend    Backend
	marks      WatermarkStore
	photos     Photos
	search     Searcher
	feeds      *feeds
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	editWindow time.Duration
}

type Option func(*options)

type options struct {
	photos    Photos
	search    Searcher
	observers []Observer
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

func WithPhotos(p Photos) Option {
	return func(o *options) { o.photos = p }
}

func WithSearch(s Searcher) Option {
	return func(o *options) { o.search = s }
}

// WithObserver registers o for every snapshot ingested by any feed.
func WithObserver(o Observer) Option {
	return func(o2 *options) { o2.observers = append(o2.observers, o) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces the wall clock used by the edit window check.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(cfg config.DiscussionConfig, backend Backend, marks WatermarkStore, opts ...Option) *Service {
	o := options{log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	editWindow := cfg.EditWindow
	if editWindow <= 0 {
		editWindow = discussion.DefaultEditWindow
	}
	log := o.log.With("service", "discussion")
	return &Service{
		backend: backend,
		marks:   marks,
		photos:  o.photos,
		search:  o.search,
		feeds: newFeeds(backend, feedConfig{
			observers:        o.observers,
			metrics:          o.metrics,
			log:              log,
			resubscribeDelay: cfg.ResubscribeDelay,
			buffer:           cfg.SubscriberBuffer,
		}),
		metrics:    o.metrics,
		log:        log,
		now:        o.now,
		editWindow: editWindow,
	}
}

// Close tears down every live feed.
func (s *Service) Close() {
	s.feeds.close()
}

// Subscribe streams snapshots of one discussion. Subscribers of the same
// discussion share a single backend subscription; the channel closes when
// ctx ends.
func (s *Service) Subscribe(ctx context.Context, discussionID string) (<-chan discussion.Discussion, error) {
	return s.feeds.subscribe(ctx, discussionID)
}

// Discussion returns the latest canonical snapshot: the live feed's copy when
// one is open, otherwise a fresh read from the backend.
func (s *Service) Discussion(ctx context.Context, discussionID string) (discussion.Discussion, error) {
	if d, ok := s.feeds.latest(discussionID); ok {
		return d, nil
	}
	d, err := s.backend.Snapshot(ctx, discussionID)
	if err != nil {
		return discussion.Discussion{}, err
	}
	return discussion.Normalize(d), nil
}

// View returns the snapshot after checking that accountID may read it.
func (s *Service) View(ctx context.Context, discussionID, accountID string) (discussion.Discussion, error) {
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return discussion.Discussion{}, err
	}
	if !rbac.Can(rbac.RoleOf(d, accountID), rbac.ActionRead) {
		return discussion.Discussion{}, discussion.NewAuthorizationError("read", accountID, "not a participant")
	}
	return d, nil
}

func (s *Service) Send(ctx context.Context, discussionID, senderID, content string) (string, error) {
	id, err := s.send(ctx, discussionID, senderID, content, "")
	s.metrics.ObserveCommand("send", err)
	return id, err
}

// SendWithPhoto sends a photo message. The caption may be blank.
func (s *Service) SendWithPhoto(ctx context.Context, discussionID, senderID, content, photoRef string) (string, error) {
	id, err := s.sendWithPhoto(ctx, discussionID, senderID, content, photoRef)
	s.metrics.ObserveCommand("send_photo", err)
	return id, err
}

func (s *Service) sendWithPhoto(ctx context.Context, discussionID, senderID, content, photoRef string) (string, error) {
	if strings.TrimSpace(photoRef) == "" {
		return "", discussion.NewValidationError("photoRef", "photo reference is required")
	}
	if err := discussion.ValidateContent(content, true); err != nil {
		return "", err
	}
	if s.photos != nil {
		ok, err := s.photos.PhotoExists(ctx, photoRef)
		if err != nil {
			return "", discussion.NewStoreError("verify photo", err)
		}
		if !ok {
			return "", discussion.NewValidationError("photoRef", "photo has not been uploaded")
		}
	}
	return s.send(ctx, discussionID, senderID, content, photoRef)
}

func (s *Service) send(ctx context.Context, discussionID, senderID, content, photoRef string) (string, error) {
	if photoRef == "" {
		if err := discussion.ValidateContent(content, false); err != nil {
			return "", err
		}
	}
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(rbac.RoleOf(d, senderID), rbac.ActionSend) {
		return "", discussion.NewAuthorizationError("send", senderID, "not a participant")
	}
	return s.append(ctx, discussionID, discussion.Message{
		SenderID: senderID,
		Content:  content,
		PhotoRef: photoRef,
	})
}

// append writes m and moves the sender's watermark onto it.
func (s *Service) append(ctx context.Context, discussionID string, m discussion.Message) (string, error) {
	id, createdAt, err := s.backend.AppendMessage(ctx, discussionID, m)
	if err != nil {
		return "", err
	}
	mark := discussion.Watermark{MessageID: id, CreatedAt: createdAt}
	if _, err := s.marks.SetWatermark(ctx, discussionID, m.SenderID, mark); err != nil {
		s.log.Warn("advance sender watermark", "discussion_id", discussionID, "account_id", m.SenderID, "error", err)
	}
	return id, nil
}

func (s *Service) CreatePoll(ctx context.Context, discussionID, creatorID string, input CreatePollInput) (string, error) {
	id, err := s.createPoll(ctx, discussionID, creatorID, input)
	s.metrics.ObserveCommand("create_poll", err)
	return id, err
}

func (s *Service) createPoll(ctx context.Context, discussionID, creatorID string, input CreatePollInput) (string, error) {
	if err := discussion.ValidatePoll(input.Question, input.Options); err != nil {
		return "", err
	}
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(rbac.RoleOf(d, creatorID), rbac.ActionSend) {
		return "", discussion.NewAuthorizationError("create poll", creatorID, "not a participant")
	}
	return s.append(ctx, discussionID, discussion.Message{
		SenderID: creatorID,
		Content:  input.Question,
		Poll: &discussion.Poll{
			Question:           input.Question,
			Options:            slices.Clone(input.Options),
			AllowMultipleVotes: input.AllowMultipleVotes,
		},
	})
}

func (s *Service) Edit(ctx context.Context, discussionID, messageID, actorID, newContent string) error {
	err := s.edit(ctx, discussionID, messageID, actorID, newContent)
	s.metrics.ObserveCommand("edit", err)
	return err
}

func (s *Service) edit(ctx context.Context, discussionID, messageID, actorID, newContent string) error {
	if err := discussion.ValidateContent(newContent, false); err != nil {
		return err
	}
	d, m, err := s.liveMessage(ctx, discussionID, messageID)
	if err != nil {
		return err
	}
	if !d.IsParticipant(actorID) || !rbac.CanEdit(m, actorID, s.now(), s.editWindow) {
		return discussion.NewAuthorizationError("edit", actorID, editDenialReason(m, actorID))
	}
	return s.backend.MutateMessage(ctx, discussionID, messageID, discussion.Patch{Content: &newContent})
}

func editDenialReason(m discussion.Message, actorID string) string {
	switch {
	case actorID != m.SenderID:
		return "only the sender can edit a message"
	case m.Poll != nil:
		return "poll messages cannot be edited"
	case m.PhotoRef != "":
		return "photo messages cannot be edited"
	default:
		return "edit window has closed"
	}
}

func (s *Service) Delete(ctx context.Context, discussionID, messageID, actorID string) error {
	err := s.delete(ctx, discussionID, messageID, actorID)
	s.metrics.ObserveCommand("delete", err)
	return err
}

func (s *Service) delete(ctx context.Context, discussionID, messageID, actorID string) error {
	d, m, err := s.liveMessage(ctx, discussionID, messageID)
	if err != nil {
		return err
	}
	if !rbac.CanDelete(m, actorID, d) {
		return discussion.NewAuthorizationError("delete", actorID, "only the sender or an admin can delete a message")
	}
	return s.backend.MutateMessage(ctx, discussionID, messageID, discussion.Patch{Remove: true})
}

// Vote selects option for accountID. On a single-choice poll the previous
// selection is replaced in one write.
func (s *Service) Vote(ctx context.Context, discussionID, messageID, accountID string, option int) error {
	err := s.vote(ctx, discussionID, messageID, accountID, option, discussion.VoteIntent)
	s.metrics.ObserveCommand("vote", err)
	return err
}

// RemoveVote clears option for accountID. Clearing an option that is not
// selected is a no-op.
func (s *Service) RemoveVote(ctx context.Context, discussionID, messageID, accountID string, option int) error {
	err := s.vote(ctx, discussionID, messageID, accountID, option, discussion.RemoveVoteIntent)
	s.metrics.ObserveCommand("remove_vote", err)
	return err
}

type voteIntent func(p *discussion.Poll, accountID string, option int) (discussion.VotePatch, error)

func (s *Service) vote(ctx context.Context, discussionID, messageID, accountID string, option int, intent voteIntent) error {
	d, m, err := s.liveMessage(ctx, discussionID, messageID)
	if err != nil {
		return err
	}
	if m.Poll == nil {
		return discussion.NewValidationError("messageId", "message does not carry a poll")
	}
	patch, err := intent(m.Poll, accountID, option)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.RoleOf(d, accountID), rbac.ActionVote) {
		return discussion.NewAuthorizationError("vote", accountID, "not a participant")
	}
	return s.backend.MutateMessage(ctx, discussionID, messageID, discussion.Patch{Vote: &patch})
}

// PhotoURL returns a short-lived download link for a photo message the
// account can read.
func (s *Service) PhotoURL(ctx context.Context, discussionID, messageID, accountID string) (string, error) {
	if s.photos == nil {
		return "", domainError(http.StatusServiceUnavailable, "PHOTOS_UNAVAILABLE", "Photo storage is not configured", nil)
	}
	d, m, err := s.liveMessage(ctx, discussionID, messageID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(rbac.RoleOf(d, accountID), rbac.ActionRead) {
		return "", discussion.NewAuthorizationError("read", accountID, "not a participant")
	}
	if m.PhotoRef == "" {
		return "", discussion.NewNotFoundError("photo", messageID)
	}
	u, err := s.photos.PhotoURL(ctx, m.PhotoRef, photoURLTTL)
	if err != nil {
		return "", discussion.NewStoreError("photo url", err)
	}
	return u, nil
}

// liveMessage resolves a message that has not been removed.
func (s *Service) liveMessage(ctx context.Context, discussionID, messageID string) (discussion.Discussion, discussion.Message, error) {
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return discussion.Discussion{}, discussion.Message{}, err
	}
	m, _, ok := d.Message(messageID)
	if !ok || m.Removed {
		return discussion.Discussion{}, discussion.Message{}, discussion.NewNotFoundError("message", messageID)
	}
	return d, m, nil
}

// CreateDiscussion stores a new discussion. The creator is always a
// participant and an admin.
func (s *Service) CreateDiscussion(ctx context.Context, creatorID string, input CreateDiscussionInput) (discussion.Discussion, error) {
	d, err := s.createDiscussion(ctx, creatorID, input)
	s.metrics.ObserveCommand("create_discussion", err)
	return d, err
}

func (s *Service) createDiscussion(ctx context.Context, creatorID string, input CreateDiscussionInput) (discussion.Discussion, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return discussion.Discussion{}, discussion.NewValidationError("name", "name is required")
	}
	participants := appendMissing([]string{creatorID}, input.Participants...)
	admins := appendMissing([]string{creatorID}, input.Admins...)
	if err := discussion.ValidateMembers(creatorID, participants, admins); err != nil {
		return discussion.Discussion{}, err
	}
	d, err := s.backend.CreateDiscussion(ctx, discussion.Discussion{
		Name:              name,
		CreatorID:         creatorID,
		Participants:      participants,
		Admins:            admins,
		ProfilePictureRef: input.ProfilePictureRef,
		SessionRef:        input.SessionRef,
	})
	if err != nil {
		return discussion.Discussion{}, err
	}
	s.log.Info("discussion created", "discussion_id", d.ID, "creator_id", creatorID, "participants", len(participants))
	return d, nil
}

func (s *Service) AddParticipant(ctx context.Context, discussionID, actorID, accountID string) error {
	err := s.updateMembers(ctx, discussionID, actorID, accountID, func(d *discussion.Discussion) error {
		if !rbac.Can(rbac.RoleOf(*d, actorID), rbac.ActionManageMembers) {
			return discussion.NewAuthorizationError("add participant", actorID, "only admins can add participants")
		}
		d.Participants = appendMissing(d.Participants, accountID)
		return nil
	})
	s.metrics.ObserveCommand("add_participant", err)
	return err
}

// RemoveParticipant removes accountID from the discussion. Admins may remove
// anyone but the creator; any participant may remove themselves.
func (s *Service) RemoveParticipant(ctx context.Context, discussionID, actorID, accountID string) error {
	err := s.updateMembers(ctx, discussionID, actorID, accountID, func(d *discussion.Discussion) error {
		leaving := actorID == accountID && d.IsParticipant(actorID)
		if !leaving && !rbac.Can(rbac.RoleOf(*d, actorID), rbac.ActionManageMembers) {
			return discussion.NewAuthorizationError("remove participant", actorID, "only admins can remove other participants")
		}
		if accountID == d.CreatorID {
			return discussion.NewValidationError("accountId", "the creator cannot leave the discussion")
		}
		d.Participants = without(d.Participants, accountID)
		d.Admins = without(d.Admins, accountID)
		return nil
	})
	s.metrics.ObserveCommand("remove_participant", err)
	return err
}

// SetAdmin grants or revokes admin rights. The creator always stays admin.
func (s *Service) SetAdmin(ctx context.Context, discussionID, actorID, accountID string, admin bool) error {
	err := s.updateMembers(ctx, discussionID, actorID, accountID, func(d *discussion.Discussion) error {
		if !rbac.Can(rbac.RoleOf(*d, actorID), rbac.ActionManageMembers) {
			return discussion.NewAuthorizationError("set admin", actorID, "only admins can change admins")
		}
		if admin {
			d.Admins = appendMissing(d.Admins, accountID)
			return nil
		}
		if accountID == d.CreatorID {
			return discussion.NewValidationError("accountId", "the creator is always an admin")
		}
		d.Admins = without(d.Admins, accountID)
		return nil
	})
	s.metrics.ObserveCommand("set_admin", err)
	return err
}

func (s *Service) updateMembers(ctx context.Context, discussionID, actorID, accountID string, change func(*discussion.Discussion) error) error {
	if strings.TrimSpace(accountID) == "" {
		return discussion.NewValidationError("accountId", "account id is required")
	}
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return err
	}
	before := d.Clone()
	if err := change(&d); err != nil {
		return err
	}
	if err := discussion.ValidateMembers(d.CreatorID, d.Participants, d.Admins); err != nil {
		return err
	}
	if slices.Equal(before.Participants, d.Participants) && slices.Equal(before.Admins, d.Admins) {
		return nil
	}
	if err := s.backend.UpdateMembers(ctx, discussionID, d.Participants, d.Admins); err != nil {
		return err
	}
	s.log.Info("discussion members updated", "discussion_id", discussionID, "actor_id", actorID, "account_id", accountID)
	return nil
}

// Search runs a full-text query over one discussion the account can read.
func (s *Service) Search(ctx context.Context, discussionID, accountID string, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if _, err := s.View(ctx, discussionID, accountID); err != nil {
		return search.Response{}, err
	}
	q.DiscussionID = discussionID
	return s.search.Search(ctx, q), nil
}

// Ping checks the backend and the watermark store when they support it.
func (s *Service) Ping(ctx context.Context) error {
	var errs []error
	if p, ok := s.backend.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if p, ok := s.marks.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("watermarks: %w", err))
		}
	}
	return errors.Join(errs...)
}

func appendMissing(list []string, ids ...string) []string {
	out := slices.Clone(list)
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func without(list []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(list), func(v string) bool { return v == id })
}
