package discussion

import (
	"slices"
	"sort"
	"time"
)

const (
	MaxContentLength  = 4096
	MinPollOptions    = 2
	DefaultEditWindow = 15 * time.Minute
)

// Discussion is one snapshot of a group conversation. Values handed out by the
// synchronizer are copies; mutating them has no effect on the canonical view.
type Discussion struct {
	ID                string
	Name              string
	Participants      []string
	Admins            []string
	CreatorID         string
	ProfilePictureRef string
	SessionRef        string
	Messages          []Message
}

type Message struct {
	ID           string
	DiscussionID string
	SenderID     string
	CreatedAt    time.Time
	EditedAt     *time.Time
	Content      string
	PhotoRef     string
	Poll         *Poll
	Removed      bool
}

type Poll struct {
	Question           string
	Options            []string
	AllowMultipleVotes bool
	// Votes maps account id to the selected option indices. Accounts that
	// have not voted are absent or map to an empty slice.
	Votes map[string][]int
}

// Watermark is the last message an account has read in a discussion. The
// zero value means nothing has been read.
type Watermark struct {
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (w Watermark) IsZero() bool {
	return w.MessageID == ""
}

// After reports whether w is strictly later than other in message order.
func (w Watermark) After(other Watermark) bool {
	if other.IsZero() {
		return !w.IsZero()
	}
	if w.IsZero() {
		return false
	}
	if !w.CreatedAt.Equal(other.CreatedAt) {
		return w.CreatedAt.After(other.CreatedAt)
	}
	return w.MessageID > other.MessageID
}

// WatermarkOf returns the watermark that acknowledges m.
func WatermarkOf(m Message) Watermark {
	return Watermark{MessageID: m.ID, CreatedAt: m.CreatedAt}
}

type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
	KindPoll  Kind = "poll"
)

func (m Message) Kind() Kind {
	switch {
	case m.Poll != nil:
		return KindPoll
	case m.PhotoRef != "":
		return KindPhoto
	default:
		return KindText
	}
}

func (d Discussion) IsParticipant(accountID string) bool {
	return slices.Contains(d.Participants, accountID)
}

func (d Discussion) IsAdmin(accountID string) bool {
	return slices.Contains(d.Admins, accountID)
}

// Message returns the message with the given id and its position.
func (d Discussion) Message(messageID string) (Message, int, bool) {
	for i, m := range d.Messages {
		if m.ID == messageID {
			return m, i, true
		}
	}
	return Message{}, -1, false
}

// Latest returns the newest message, removed or not.
func (d Discussion) Latest() (Message, bool) {
	if len(d.Messages) == 0 {
		return Message{}, false
	}
	return d.Messages[len(d.Messages)-1], true
}

// less orders messages by creation time, falling back to id for messages
// written within the same instant.
func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages orders messages in place by (CreatedAt, ID).
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return less(messages[i], messages[j])
	})
}

// Normalize returns a copy of d whose messages are ordered and unique by id.
// When a snapshot carries the same id twice, the later occurrence wins.
func Normalize(d Discussion) Discussion {
	out := d.Clone()
	if len(out.Messages) == 0 {
		return out
	}
	seen := make(map[string]int, len(out.Messages))
	unique := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		if idx, ok := seen[m.ID]; ok {
			unique[idx] = m
			continue
		}
		seen[m.ID] = len(unique)
		unique = append(unique, m)
	}
	SortMessages(unique)
	out.Messages = unique
	return out
}

// Clone returns a deep copy of d.
func (d Discussion) Clone() Discussion {
	out := d
	out.Participants = slices.Clone(d.Participants)
	out.Admins = slices.Clone(d.Admins)
	if d.Messages != nil {
		out.Messages = make([]Message, len(d.Messages))
		for i, m := range d.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.EditedAt != nil {
		editedAt := *m.EditedAt
		out.EditedAt = &editedAt
	}
	if m.Poll != nil {
		p := m.Poll.Clone()
		out.Poll = &p
	}
	return out
}

// Clone returns a deep copy of p.
func (p Poll) Clone() Poll {
	out := p
	out.Options = slices.Clone(p.Options)
	if p.Votes != nil {
		out.Votes = make(map[string][]int, len(p.Votes))
		for account, options := range p.Votes {
			out.Votes[account] = slices.Clone(options)
		}
	}
	return out
}

// Patch is a field-level mutation of one message. Exactly one field is set.
type Patch struct {
	Content *string
	Remove  bool
	Vote    *VotePatch
}

type VoteOp string

const (
	// VoteAdd adds options to the account's vote set.
	VoteAdd VoteOp = "add"
	// VoteRemove removes options from the account's vote set.
	VoteRemove VoteOp = "remove"
	// VoteSet replaces the account's vote set.
	VoteSet VoteOp = "set"
)

type VotePatch struct {
	AccountID string
	Op        VoteOp
	Options   []int
}
