package app

import (
	"context"
	"time"

	"meeplemeet/api/internal/discussion"
	"meeplemeet/api/internal/rbac"
)

// DiscussionPayload renders d for viewer, including derived poll counts and
// the viewer's unread counter.
func (s *Service) DiscussionPayload(ctx context.Context, d discussion.Discussion, viewer string) (map[string]any, error) {
	unread := 0
	if d.IsParticipant(viewer) {
		mark, err := s.marks.GetWatermark(ctx, d.ID, viewer)
		if err != nil {
			return nil, err
		}
		unread = unreadAfter(d, mark)
	}

	now := s.now()
	messages := make([]map[string]any, 0, len(d.Messages))
	for _, m := range d.Messages {
		messages = append(messages, s.messagePayload(d, m, viewer, now))
	}
	return map[string]any{
		"id":                d.ID,
		"name":              d.Name,
		"creatorId":         d.CreatorID,
		"participants":      nonNilStrings(d.Participants),
		"admins":            nonNilStrings(d.Admins),
		"profilePictureRef": nilIfEmpty(d.ProfilePictureRef),
		"sessionRef":        nilIfEmpty(d.SessionRef),
		"role":              rbac.RoleOf(d, viewer),
		"unread":            unread,
		"messages":          messages,
	}, nil
}

func (s *Service) messagePayload(d discussion.Discussion, m discussion.Message, viewer string, now time.Time) map[string]any {
	payload := map[string]any{
		"id":        m.ID,
		"senderId":  m.SenderID,
		"kind":      m.Kind(),
		"content":   m.Content,
		"photoRef":  nilIfEmpty(m.PhotoRef),
		"createdAt": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"editedAt":  nil,
		"removed":   m.Removed,
		"canEdit":   d.IsParticipant(viewer) && rbac.CanEdit(m, viewer, now, s.editWindow),
		"canDelete": !m.Removed && rbac.CanDelete(m, viewer, d),
		"poll":      nil,
	}
	if m.EditedAt != nil {
		payload["editedAt"] = m.EditedAt.UTC().Format(time.RFC3339Nano)
	}
	if m.Poll != nil {
		payload["poll"] = pollPayload(*m.Poll, viewer)
	}
	return payload
}

func pollPayload(p discussion.Poll, viewer string) map[string]any {
	counts := discussion.VoteCountsByOption(p)
	options := make([]map[string]any, 0, len(p.Options))
	for i, label := range p.Options {
		options = append(options, map[string]any{
			"index":      i,
			"label":      label,
			"votes":      counts[i],
			"percentage": discussion.Percentage(p, i),
		})
	}
	return map[string]any{
		"question":           p.Question,
		"allowMultipleVotes": p.AllowMultipleVotes,
		"options":            options,
		"totalVotes":         discussion.TotalVotes(p),
		"myVotes":            discussion.UserVotes(p, viewer),
	}
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
