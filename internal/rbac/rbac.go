package rbac

import (
	"time"

	"meeplemeet/api/internal/discussion"
)

type Role string
type Action string

const (
	RoleOutsider    Role = "outsider"
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionSend          Action = "send"
	ActionVote          Action = "vote"
	ActionManageMembers Action = "manage_members"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleParticipant:
		return action == ActionRead || action == ActionSend || action == ActionVote
	default:
		return false
	}
}

// RoleOf resolves the role accountID holds in d.
func RoleOf(d discussion.Discussion, accountID string) Role {
	switch {
	case d.IsAdmin(accountID) && d.IsParticipant(accountID):
		return RoleAdmin
	case d.IsParticipant(accountID):
		return RoleParticipant
	default:
		return RoleOutsider
	}
}

// CanEdit allows the original sender to change a text message while the edit
// window is open. Photo and poll messages are never editable.
func CanEdit(m discussion.Message, actorID string, now time.Time, window time.Duration) bool {
	if m.Removed || m.Poll != nil || m.PhotoRef != "" {
		return false
	}
	if actorID == "" || actorID != m.SenderID {
		return false
	}
	return now.Sub(m.CreatedAt) <= window
}

// CanDelete allows the sender or any discussion admin, with no time limit.
func CanDelete(m discussion.Message, actorID string, d discussion.Discussion) bool {
	if actorID == "" {
		return false
	}
	return actorID == m.SenderID || d.IsAdmin(actorID)
}
