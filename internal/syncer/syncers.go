package syncer

import (
	"context"
	"fmt"

	"subsync/client/internal/auth"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
)

type VoteSyncer struct{ base }

func NewVoteSyncer(r Remote) *VoteSyncer {
	return &VoteSyncer{base{kind: storage.KindVote, remote: r}}
}

func (s *VoteSyncer) SyncOne(ctx context.Context, action storage.PendingAction, creds auth.Credentials) remote.Result {
	return remote.NewResult(s.remote.Vote(ctx, creds, action.ThingID, action.Value.Direction))
}

func (s *VoteSyncer) CommitOps(action storage.PendingAction, _ remote.Result) []storage.Op {
	return retire(action, storage.UpdateLikesOps(action.Account, action.ThingID, action.Value.Direction))
}

type SaveSyncer struct{ base }

func NewSaveSyncer(r Remote) *SaveSyncer {
	return &SaveSyncer{base{kind: storage.KindSave, remote: r}}
}

func (s *SaveSyncer) SyncOne(ctx context.Context, action storage.PendingAction, creds auth.Credentials) remote.Result {
	return remote.NewResult(s.remote.Save(ctx, creds, action.ThingID, action.Value.Enabled))
}

func (s *SaveSyncer) CommitOps(action storage.PendingAction, _ remote.Result) []storage.Op {
	return retire(action, storage.UpdateSavedOps(action.Account, action.ThingID, action.Value.Enabled))
}

type HideSyncer struct{ base }

func NewHideSyncer(r Remote) *HideSyncer {
	return &HideSyncer{base{kind: storage.KindHide, remote: r}}
}

func (s *HideSyncer) SyncOne(ctx context.Context, action storage.PendingAction, creds auth.Credentials) remote.Result {
	return remote.NewResult(s.remote.Hide(ctx, creds, action.ThingID, action.Value.Enabled))
}

func (s *HideSyncer) CommitOps(action storage.PendingAction, _ remote.Result) []storage.Op {
	return retire(action, storage.UpdateHiddenOps(action.Account, action.ThingID, action.Value.Enabled))
}

type ReadSyncer struct{ base }

func NewReadSyncer(r Remote) *ReadSyncer {
	return &ReadSyncer{base{kind: storage.KindRead, remote: r}}
}

func (s *ReadSyncer) SyncOne(ctx context.Context, action storage.PendingAction, creds auth.Credentials) remote.Result {
	return remote.NewResult(s.remote.MarkRead(ctx, creds, action.ThingID, action.Value.Enabled))
}

func (s *ReadSyncer) CommitOps(action storage.PendingAction, _ remote.Result) []storage.Op {
	return retire(action, storage.UpdateReadOps(action.Account, action.ThingID, action.Value.Enabled))
}

// CommentSyncer posts replies, edits and deletes. A reply that has not
// synced yet lives under a local id; on success that id is swapped for the
// server's.
type CommentSyncer struct{ base }

func NewCommentSyncer(r Remote) *CommentSyncer {
	return &CommentSyncer{base{kind: storage.KindComment, remote: r}}
}

func (s *CommentSyncer) SyncOne(ctx context.Context, action storage.PendingAction, creds auth.Credentials) remote.Result {
	switch action.Value.CommentOp {
	case storage.CommentInsert:
		id, err := s.remote.Comment(ctx, creds, action.Value.ParentID, action.Value.Body)
		result := remote.NewResult(err)
		result.ThingID = id
		return result
	case storage.CommentEdit:
		return remote.NewResult(s.remote.EditComment(ctx, creds, action.ThingID, action.Value.Body))
	case storage.CommentDelete:
		return remote.NewResult(s.remote.DeleteComment(ctx, creds, action.ThingID))
	default:
		return remote.NewResult(fmt.Errorf("%w: comment op %s", remote.ErrInvalidThing, action.Value.CommentOp))
	}
}

func (s *CommentSyncer) CommitOps(action storage.PendingAction, result remote.Result) []storage.Op {
	switch action.Value.CommentOp {
	case storage.CommentInsert:
		return storage.CommitReplyOps(action, result.ThingID)
	case storage.CommentEdit:
		return retire(action, storage.UpdateCommentBodyOps(action.Account, action.ThingID, action.Value.Body))
	case storage.CommentDelete:
		return retire(action, storage.MarkCommentDeletedOps(action.Account, action.ThingID))
	default:
		return retire(action)
	}
}

// DropOps also removes the placeholder of a reply that will never post.
func (s *CommentSyncer) DropOps(action storage.PendingAction) []storage.Op {
	if action.Value.CommentOp == storage.CommentInsert {
		return retire(action, storage.DeletePlaceholderOps(action.Account, action.ThingID))
	}
	return retire(action)
}
