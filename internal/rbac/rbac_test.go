package rbac

import (
	"testing"
	"time"

	"meeplemeet/api/internal/discussion"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "outsider read", role: RoleOutsider, action: ActionRead, allow: false},
		{name: "outsider send", role: RoleOutsider, action: ActionSend, allow: false},
		{name: "participant send", role: RoleParticipant, action: ActionSend, allow: true},
		{name: "participant vote", role: RoleParticipant, action: ActionVote, allow: true},
		{name: "participant manage", role: RoleParticipant, action: ActionManageMembers, allow: false},
		{name: "admin manage", role: RoleAdmin, action: ActionManageMembers, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRoleOf(t *testing.T) {
	d := discussion.Discussion{Participants: []string{"ana", "ben"}, Admins: []string{"ana"}}
	if got := RoleOf(d, "ana"); got != RoleAdmin {
		t.Fatalf("RoleOf(ana) = %q", got)
	}
	if got := RoleOf(d, "ben"); got != RoleParticipant {
		t.Fatalf("RoleOf(ben) = %q", got)
	}
	if got := RoleOf(d, "cleo"); got != RoleOutsider {
		t.Fatalf("RoleOf(cleo) = %q", got)
	}
}

func TestCanEdit(t *testing.T) {
	created := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	window := 15 * time.Minute
	text := discussion.Message{ID: "m1", SenderID: "ana", CreatedAt: created, Content: "gloomhaven tonight?"}

	cases := []struct {
		name  string
		msg   discussion.Message
		actor string
		now   time.Time
		allow bool
	}{
		{name: "sender right after creation", msg: text, actor: "ana", now: created, allow: true},
		{name: "sender at window edge", msg: text, actor: "ana", now: created.Add(window), allow: true},
		{name: "sender after window", msg: text, actor: "ana", now: created.Add(window + time.Second), allow: false},
		{name: "other participant", msg: text, actor: "ben", now: created, allow: false},
		{
			name:  "photo message",
			msg:   discussion.Message{SenderID: "ana", CreatedAt: created, PhotoRef: "photos/board.jpg"},
			actor: "ana", now: created, allow: false,
		},
		{
			name:  "poll message",
			msg:   discussion.Message{SenderID: "ana", CreatedAt: created, Poll: &discussion.Poll{Question: "When?", Options: []string{"Fri", "Sat"}}},
			actor: "ana", now: created, allow: false,
		},
		{
			name:  "removed message",
			msg:   discussion.Message{SenderID: "ana", CreatedAt: created, Removed: true},
			actor: "ana", now: created, allow: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanEdit(tc.msg, tc.actor, tc.now, window); got != tc.allow {
				t.Fatalf("CanEdit() = %v, want %v", got, tc.allow)
			}
		})
	}
}

func TestCanDelete(t *testing.T) {
	d := discussion.Discussion{Participants: []string{"ana", "ben", "cleo"}, Admins: []string{"ana"}}
	msg := discussion.Message{ID: "m1", SenderID: "ben", CreatedAt: time.Now().Add(-72 * time.Hour)}

	if !CanDelete(msg, "ana", d) {
		t.Fatal("admin should delete another participant's message")
	}
	if !CanDelete(msg, "ben", d) {
		t.Fatal("sender should delete own message regardless of age")
	}
	if CanDelete(msg, "cleo", d) {
		t.Fatal("non-admin non-sender must not delete")
	}
}
