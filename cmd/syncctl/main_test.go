package main

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"subsync/client/internal/storage"
)

func TestParseValue(t *testing.T) {
	vote, err := parseValue(storage.KindVote, "-1")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	assert.Equal(t, vote.Direction, -1)

	save, err := parseValue(storage.KindSave, "true")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	assert.Equal(t, save.Enabled, true)

	edit, err := parseValue(storage.KindComment, "new body")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	assert.Equal(t, edit.CommentOp, storage.CommentEdit)
	assert.Equal(t, edit.Body, "new body")

	if _, err := parseValue(storage.KindVote, "up"); err == nil {
		t.Fatalf("expected error for a non-numeric vote")
	}
	if _, err := parseValue(storage.KindHide, "maybe"); err == nil {
		t.Fatalf("expected error for a non-boolean flag")
	}
}
