package discussion

import (
	"slices"
)

// VoteCountsByOption returns, for every option index, the number of accounts
// whose vote set contains it. Every index is present, unvoted ones map to 0.
func VoteCountsByOption(p Poll) map[int]int {
	counts := make(map[int]int, len(p.Options))
	for i := range p.Options {
		counts[i] = 0
	}
	for _, options := range p.Votes {
		for _, option := range uniqueOptions(options) {
			if option < 0 || option >= len(p.Options) {
				continue
			}
			counts[option]++
		}
	}
	return counts
}

// TotalVotes sums the per-option counts. Under multi-choice this can exceed
// the number of voters.
func TotalVotes(p Poll) int {
	total := 0
	for _, count := range VoteCountsByOption(p) {
		total += count
	}
	return total
}

// UserVotes returns the sorted option indices selected by accountID, or an
// empty slice if the account has not voted.
func UserVotes(p Poll, accountID string) []int {
	out := uniqueOptions(p.Votes[accountID])
	if out == nil {
		return []int{}
	}
	return out
}

// Percentage returns floor(100*count/total) for option, or 0 when nobody has
// voted.
func Percentage(p Poll, option int) int {
	total := TotalVotes(p)
	if total == 0 {
		return 0
	}
	return 100 * VoteCountsByOption(p)[option] / total
}

// VoteIntent turns a vote on option into the single patch the store has to
// apply. Single-choice polls replace the account's selection in one write
// (SetSingleChoice); multi-choice polls add to it.
func VoteIntent(p *Poll, accountID string, option int) (VotePatch, error) {
	if p == nil {
		return VotePatch{}, NewValidationError("messageId", "message does not carry a poll")
	}
	if err := validateOption(p, option); err != nil {
		return VotePatch{}, err
	}
	if !p.AllowMultipleVotes {
		return VotePatch{AccountID: accountID, Op: VoteSet, Options: []int{option}}, nil
	}
	return VotePatch{AccountID: accountID, Op: VoteAdd, Options: []int{option}}, nil
}

// RemoveVoteIntent removes option from the account's selection. Removing an
// option that is not selected is a no-op once applied.
func RemoveVoteIntent(p *Poll, accountID string, option int) (VotePatch, error) {
	if p == nil {
		return VotePatch{}, NewValidationError("messageId", "message does not carry a poll")
	}
	if err := validateOption(p, option); err != nil {
		return VotePatch{}, err
	}
	return VotePatch{AccountID: accountID, Op: VoteRemove, Options: []int{option}}, nil
}

// ApplyVote applies patch to p in place. In-process stores use it as the
// single transition function for vote sets.
func ApplyVote(p *Poll, patch VotePatch) error {
	if p == nil {
		return NewValidationError("messageId", "message does not carry a poll")
	}
	for _, option := range patch.Options {
		if err := validateOption(p, option); err != nil {
			return err
		}
	}
	current := uniqueOptions(p.Votes[patch.AccountID])

	var next []int
	switch patch.Op {
	case VoteSet:
		next = uniqueOptions(patch.Options)
	case VoteAdd:
		next = uniqueOptions(append(current, patch.Options...))
	case VoteRemove:
		next = slices.DeleteFunc(current, func(option int) bool {
			return slices.Contains(patch.Options, option)
		})
	default:
		return NewValidationError("op", "unknown vote operation "+string(patch.Op))
	}
	if !p.AllowMultipleVotes && len(next) > 1 {
		return NewValidationError("options", "single-choice poll accepts one option per account")
	}

	if len(next) == 0 {
		delete(p.Votes, patch.AccountID)
		return nil
	}
	if p.Votes == nil {
		p.Votes = make(map[string][]int)
	}
	p.Votes[patch.AccountID] = next
	return nil
}

func uniqueOptions(options []int) []int {
	if len(options) == 0 {
		return nil
	}
	out := slices.Clone(options)
	slices.Sort(out)
	return slices.Compact(out)
}
