package discussion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoteCountsByOption(t *testing.T) {
	p := Poll{
		Question: "Which game?",
		Options:  []string{"A", "B", "C"},
		Votes: map[string][]int{
			"u1": {0},
			"u2": {0},
			"u3": {2},
		},
	}

	assert.Equal(t, map[int]int{0: 2, 1: 0, 2: 1}, VoteCountsByOption(p))
	assert.Equal(t, 3, TotalVotes(p))
	assert.Equal(t, 66, Percentage(p, 0))
	assert.Equal(t, 0, Percentage(p, 1))
	assert.Equal(t, 33, Percentage(p, 2))
}

func TestVoteCountsByOption_NoVotes(t *testing.T) {
	p := Poll{Question: "Snacks?", Options: []string{"yes", "no"}}

	assert.Equal(t, map[int]int{0: 0, 1: 0}, VoteCountsByOption(p))
	assert.Equal(t, 0, TotalVotes(p))
	assert.Equal(t, 0, Percentage(p, 0))
}

func TestTotalVotes_MultiChoiceExceedsVoters(t *testing.T) {
	p := Poll{
		Options:            []string{"Catan", "Azul", "Root"},
		AllowMultipleVotes: true,
		Votes: map[string][]int{
			"u1": {0, 1, 2},
			"u2": {1},
		},
	}

	assert.Equal(t, 4, TotalVotes(p))
	assert.Equal(t, 50, Percentage(p, 1))
}

func TestVoteCounts_IgnoresDuplicateAndOutOfRange(t *testing.T) {
	p := Poll{
		Options:            []string{"A", "B"},
		AllowMultipleVotes: true,
		Votes:              map[string][]int{"u1": {1, 1, 7}},
	}

	assert.Equal(t, map[int]int{0: 0, 1: 1}, VoteCountsByOption(p))
}

func TestUserVotes(t *testing.T) {
	p := Poll{Options: []string{"A", "B"}, AllowMultipleVotes: true, Votes: map[string][]int{"u1": {1, 0}}}

	assert.Equal(t, []int{0, 1}, UserVotes(p, "u1"))
	got := UserVotes(p, "nobody")
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSingleChoice_VoteReplacesSelection(t *testing.T) {
	p := &Poll{Question: "Night?", Options: []string{"A", "B"}}

	first, err := VoteIntent(p, "u1", 0)
	require.NoError(t, err)
	require.NoError(t, ApplyVote(p, first))

	second, err := VoteIntent(p, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, VoteSet, second.Op)
	require.NoError(t, ApplyVote(p, second))

	assert.Equal(t, []int{1}, UserVotes(*p, "u1"))
	assert.Equal(t, 1, TotalVotes(*p))
}

func TestMultiChoice_AddAndRemove(t *testing.T) {
	p := &Poll{Question: "Which?", Options: []string{"A", "B"}, AllowMultipleVotes: true}

	for _, option := range []int{0, 1, 1} {
		patch, err := VoteIntent(p, "u1", option)
		require.NoError(t, err)
		require.NoError(t, ApplyVote(p, patch))
	}
	assert.Equal(t, []int{0, 1}, UserVotes(*p, "u1"))

	patch, err := RemoveVoteIntent(p, "u1", 0)
	require.NoError(t, err)
	require.NoError(t, ApplyVote(p, patch))
	assert.Equal(t, []int{1}, UserVotes(*p, "u1"))
}

func TestRemoveVote_AbsentIsNoop(t *testing.T) {
	p := &Poll{Question: "Which?", Options: []string{"A", "B"}}

	patch, err := RemoveVoteIntent(p, "u1", 1)
	require.NoError(t, err)
	require.NoError(t, ApplyVote(p, patch))

	assert.Empty(t, p.Votes)
	assert.Empty(t, UserVotes(*p, "u1"))
}

func TestApplyVote_SingleChoiceRejectsSecondOption(t *testing.T) {
	p := &Poll{Options: []string{"A", "B"}, Votes: map[string][]int{"u1": {0}}}

	err := ApplyVote(p, VotePatch{AccountID: "u1", Op: VoteAdd, Options: []int{1}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, []int{0}, p.Votes["u1"])
}

func TestVoteIntent_Validation(t *testing.T) {
	p := &Poll{Options: []string{"A", "B"}}

	_, err := VoteIntent(p, "u1", 2)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = VoteIntent(p, "u1", -1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = VoteIntent(nil, "u1", 0)
	assert.ErrorIs(t, err, ErrValidation)
}
