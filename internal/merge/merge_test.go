package merge

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"subsync/client/internal/storage"
)

func TestVoteCampaign(t *testing.T) {
	baseline := VoteState{Score: 10, Likes: 0, Ups: 5, Downs: 2}

	directions := []int{1, 1, -1, 0, 1, 0}
	relative := []int{1, 1, -1, 0, 1, 0}
	steps := []int{1, 0, -2, 1, 1, -1}

	current := baseline
	for i, direction := range directions {
		next := Vote(current, direction)
		assert.Equal(t, next.Score-baseline.Score, relative[i])
		assert.Equal(t, next.Score-current.Score, steps[i])
		assert.Equal(t, next.Likes, direction)
		current = next
	}
	assert.Equal(t, current, baseline)
}

func TestVoteIdempotent(t *testing.T) {
	start := VoteState{Score: 3, Likes: -1, Ups: 4, Downs: 2}
	for _, direction := range []int{-1, 0, 1} {
		once := Vote(start, direction)
		twice := Vote(once, direction)
		assert.Equal(t, twice, once)
	}
}

func TestVotePathIndependent(t *testing.T) {
	baseline := VoteState{Score: 0, Likes: 0, Ups: 1, Downs: 1}
	paths := [][]int{
		{1},
		{-1, 1},
		{0, -1, 0, 1},
		{1, 1, 1},
		{-1},
		{1, 0, -1},
		{1, -1, 0},
	}
	for _, path := range paths {
		current := baseline
		for _, direction := range path {
			current = Vote(current, direction)
		}
		final := path[len(path)-1]
		assert.Equal(t, current.Score, baseline.Score+final)
		assert.Equal(t, current.Ups, baseline.Ups+boolInt(final == 1))
		assert.Equal(t, current.Downs, baseline.Downs+boolInt(final == -1))
	}
}

func TestVoteMovesBuckets(t *testing.T) {
	up := VoteState{Score: 5, Likes: 1, Ups: 6, Downs: 1}
	down := Vote(up, -1)
	assert.Equal(t, down, VoteState{Score: 3, Likes: -1, Ups: 5, Downs: 2})

	neutral := Vote(down, 0)
	assert.Equal(t, neutral, VoteState{Score: 4, Likes: 0, Ups: 5, Downs: 1})
}

func TestVoteClampsDirection(t *testing.T) {
	got := Vote(VoteState{Score: 1}, 7)
	assert.Equal(t, got, VoteState{Score: 2, Likes: 1, Ups: 1})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestApplyPendingWinsOverCanonical(t *testing.T) {
	record := storage.Record{ThingID: "t3_a", Score: 10, Likes: 1, Ups: 8, Downs: 2, New: true}
	pending := storage.Pending{
		Vote: &storage.PendingAction{Kind: storage.KindVote, Value: storage.ActionValue{Direction: -1}},
		Save: &storage.PendingAction{Kind: storage.KindSave, Value: storage.ActionValue{Enabled: true}},
		Read: &storage.PendingAction{Kind: storage.KindRead, Value: storage.ActionValue{Enabled: true}},
	}

	view := Apply(record, pending)
	assert.Equal(t, view.Score, 8)
	assert.Equal(t, view.Likes, -1)
	assert.Equal(t, view.Ups, 7)
	assert.Equal(t, view.Downs, 3)
	assert.Equal(t, view.Saved, true)
	assert.Equal(t, view.New, false)
	assert.Equal(t, view.PendingKinds, []string{"vote", "save", "read"})

	assert.Equal(t, record.Score, 10)
}

func TestApplyWithoutPendingIsIdentity(t *testing.T) {
	record := storage.Record{ThingID: "t1_a", Body: "hello", Score: 2, Likes: 1, Ups: 2}
	view := Apply(record, storage.Pending{})
	assert.Equal(t, view.Record, record)
	assert.Equal(t, len(view.PendingKinds), 0)
}

func TestApplyCommentOps(t *testing.T) {
	record := storage.Record{ThingID: "t1_a", Body: "old", Author: "alice"}

	edited := Apply(record, storage.Pending{Comment: &storage.PendingAction{
		Kind:  storage.KindComment,
		Value: storage.ActionValue{CommentOp: storage.CommentEdit, Body: "new"},
	}})
	assert.Equal(t, edited.Body, "new")

	deleted := Apply(record, storage.Pending{Comment: &storage.PendingAction{
		Kind:  storage.KindComment,
		Value: storage.ActionValue{CommentOp: storage.CommentDelete},
	}})
	assert.Equal(t, deleted.Body, "[deleted]")
	assert.Equal(t, deleted.Author, "[deleted]")
}

func TestApplyRowKeepsPlaceholder(t *testing.T) {
	row := storage.SessionRow{Placeholder: true, Record: storage.Record{ThingID: "local_1", Body: "hi"}}
	view := ApplyRow(row)
	assert.Equal(t, view.Placeholder, true)
	assert.Equal(t, view.Body, "hi")
}
