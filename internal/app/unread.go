package app

import (
	"context"

	"meeplemeet/api/internal/discussion"
)

// MarkRead moves the account's watermark up to uptoMessageID, or to the
// newest message when uptoMessageID is empty. Non-participants, empty
// discussions and accounts with nothing unread are left alone. The
// watermark never moves backwards.
func (s *Service) MarkRead(ctx context.Context, accountID, discussionID, uptoMessageID string) error {
	err := s.markRead(ctx, accountID, discussionID, uptoMessageID)
	s.metrics.ObserveCommand("mark_read", err)
	return err
}

func (s *Service) markRead(ctx context.Context, accountID, discussionID, uptoMessageID string) error {
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return err
	}
	if !d.IsParticipant(accountID) || len(d.Messages) == 0 {
		return nil
	}

	var target discussion.Message
	if uptoMessageID == "" {
		target, _ = d.Latest()
	} else {
		m, _, ok := d.Message(uptoMessageID)
		if !ok {
			return discussion.NewNotFoundError("message", uptoMessageID)
		}
		target = m
	}

	current, err := s.marks.GetWatermark(ctx, discussionID, accountID)
	if err != nil {
		return err
	}
	if unreadAfter(d, current) == 0 {
		return nil
	}
	advanced, err := s.marks.SetWatermark(ctx, discussionID, accountID, discussion.WatermarkOf(target))
	if err != nil {
		return err
	}
	if advanced {
		s.log.Debug("watermark advanced", "discussion_id", discussionID, "account_id", accountID, "message_id", target.ID)
	}
	return nil
}

// UnreadCount is the number of live messages after the account's watermark.
// Accounts outside the discussion have nothing unread.
func (s *Service) UnreadCount(ctx context.Context, accountID, discussionID string) (int, error) {
	d, err := s.Discussion(ctx, discussionID)
	if err != nil {
		return 0, err
	}
	if !d.IsParticipant(accountID) {
		return 0, nil
	}
	mark, err := s.marks.GetWatermark(ctx, discussionID, accountID)
	if err != nil {
		return 0, err
	}
	return unreadAfter(d, mark), nil
}

func unreadAfter(d discussion.Discussion, mark discussion.Watermark) int {
	n := 0
	for _, m := range d.Messages {
		if m.Removed {
			continue
		}
		if discussion.WatermarkOf(m).After(mark) {
			n++
		}
	}
	return n
}
