package merge

import "subsync/client/internal/storage"

const deletedBody = "[deleted]"

// View is a record as the user should see it: canonical fields with every
// pending action folded in.
type View struct {
	storage.Record
	Placeholder bool `json:"placeholder,omitempty"`
	// PendingKinds names the action kinds still waiting to sync.
	PendingKinds []string `json:"pendingKinds,omitempty"`
}

// Apply merges pending onto record. A pending value always wins over the
// canonical one, including the vote direction already stored in Likes.
func Apply(record storage.Record, pending storage.Pending) View {
	view := View{Record: record}

	if p := pending.Vote; p != nil {
		vote := Vote(VoteState{Score: record.Score, Likes: record.Likes, Ups: record.Ups, Downs: record.Downs}, p.Value.Direction)
		view.Score, view.Likes, view.Ups, view.Downs = vote.Score, vote.Likes, vote.Ups, vote.Downs
		view.PendingKinds = append(view.PendingKinds, storage.KindVote.String())
	}
	if p := pending.Save; p != nil {
		view.Saved = p.Value.Enabled
		view.PendingKinds = append(view.PendingKinds, storage.KindSave.String())
	}
	if p := pending.Hide; p != nil {
		view.Hidden = p.Value.Enabled
		view.PendingKinds = append(view.PendingKinds, storage.KindHide.String())
	}
	if p := pending.Read; p != nil {
		view.New = !p.Value.Enabled
		view.PendingKinds = append(view.PendingKinds, storage.KindRead.String())
	}
	if p := pending.Comment; p != nil {
		switch p.Value.CommentOp {
		case storage.CommentInsert, storage.CommentEdit:
			view.Body = p.Value.Body
		case storage.CommentDelete:
			view.Body = deletedBody
			view.Author = deletedBody
		}
		view.PendingKinds = append(view.PendingKinds, storage.KindComment.String())
	}
	return view
}

// ApplyRow merges a session row with the pending actions attached to it.
func ApplyRow(row storage.SessionRow) View {
	view := Apply(row.Record, row.Pending)
	view.Placeholder = row.Placeholder
	return view
}
