package storage

import "fmt"

// OpType classifies a local mutation for sync statistics.
type OpType int

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Op is a single local store mutation, applied through ApplyOps.
type Op struct {
	Type  OpType
	Table string
	query string
	args  []any
	guard bool
}

// Guard reports whether the op gates the ops that follow it.
func (o Op) Guard() bool { return o.guard }

// OpResult reports the rows an op touched.
type OpResult struct {
	Op           Op
	RowsAffected int64
}

const deletedMarker = "[deleted]"

// accountRows scopes a session_rows update to the sessions of one account.
const accountRows = `session_id IN (SELECT id FROM sessions WHERE account = ?)`

func pendingTable(kind ActionKind) string {
	switch kind {
	case KindVote:
		return "pending_votes"
	case KindSave:
		return "pending_saves"
	case KindHide:
		return "pending_hides"
	case KindRead:
		return "pending_reads"
	case KindComment:
		return "pending_comments"
	default:
		panic(fmt.Sprintf("no pending table for %s", kind))
	}
}

// DeletePendingOp retires a pending action row, unless it was rewritten
// after action was read. It guards the ops that reflect the synced value.
func DeletePendingOp(action PendingAction) Op {
	table := pendingTable(action.Kind)
	return Op{
		Type:  OpDelete,
		Table: table,
		query: `DELETE FROM ` + table + ` WHERE id = ? AND revision = ?`,
		args:  []any{action.ID, action.Revision},
		guard: true,
	}
}

// IncrementFailuresOp records a soft sync failure on a pending row. A row
// rewritten in the meantime starts over at zero failures and is left alone.
func IncrementFailuresOp(action PendingAction) Op {
	table := pendingTable(action.Kind)
	return Op{
		Type:  OpUpdate,
		Table: table,
		query: `UPDATE ` + table + ` SET sync_failures = sync_failures + 1 WHERE id = ? AND revision = ?`,
		args:  []any{action.ID, action.Revision},
		guard: true,
	}
}

// voteExpr moves score and vote buckets from the stored likes to the new
// direction. SQLite evaluates every right-hand side against the old row.
const voteExpr = `
	score = score + (? - likes),
	ups = ups - (likes = 1) + (? = 1),
	downs = downs - (likes = -1) + (? = -1),
	likes = ?`

// UpdateLikesOps reflects a synced vote into the canonical thing and into
// every session row showing it.
func UpdateLikesOps(account, thingID string, direction int) []Op {
	args := []any{direction, direction, direction, direction}
	return []Op{
		{
			Type:  OpUpdate,
			Table: "things",
			query: `UPDATE things SET` + voteExpr + ` WHERE account = ? AND thing_id = ?`,
			args:  append(append([]any{}, args...), account, thingID),
		},
		{
			Type:  OpUpdate,
			Table: "session_rows",
			query: `UPDATE session_rows SET` + voteExpr + ` WHERE thing_id = ? AND ` + accountRows,
			args:  append(append([]any{}, args...), thingID, account),
		},
	}
}

func updateFlagOps(column, account, thingID string, value bool) []Op {
	return []Op{
		{
			Type:  OpUpdate,
			Table: "things",
			query: `UPDATE things SET ` + column + ` = ? WHERE account = ? AND thing_id = ?`,
			args:  []any{value, account, thingID},
		},
		{
			Type:  OpUpdate,
			Table: "session_rows",
			query: `UPDATE session_rows SET ` + column + ` = ? WHERE thing_id = ? AND ` + accountRows,
			args:  []any{value, thingID, account},
		},
	}
}

func UpdateSavedOps(account, thingID string, saved bool) []Op {
	return updateFlagOps("saved", account, thingID, saved)
}

func UpdateHiddenOps(account, thingID string, hidden bool) []Op {
	return updateFlagOps("hidden", account, thingID, hidden)
}

// UpdateReadOps marks a message read or unread.
func UpdateReadOps(account, thingID string, read bool) []Op {
	return updateFlagOps("is_new", account, thingID, !read)
}

// ReplaceCommentIDOps swaps the local placeholder id of a synced reply for
// the id assigned by the server and clears the placeholder flag. Queued
// replies to the placeholder are re-parented onto the new id.
func ReplaceCommentIDOps(account, localID, thingID string) []Op {
	return []Op{
		{
			Type:  OpUpdate,
			Table: "session_rows",
			query: `UPDATE session_rows SET thing_id = ?, placeholder = 0 WHERE thing_id = ? AND ` + accountRows,
			args:  []any{thingID, localID, account},
		},
		{
			Type:  OpUpdate,
			Table: "pending_comments",
			query: `UPDATE pending_comments SET parent_id = ? WHERE account = ? AND parent_id = ?`,
			args:  []any{thingID, account, localID},
		},
	}
}

// CommitReplyOps settles a queued reply the server accepted as serverID.
// A reply edited while it was posting stays queued as an edit of the
// server comment, and one deleted locally meanwhile is queued as a remote
// delete. None of these ops is a guard, so the group must not follow a
// guard of another row.
func CommitReplyOps(action PendingAction, serverID string) []Op {
	ops := []Op{
		{
			Type:  OpUpdate,
			Table: "pending_comments",
			query: `UPDATE pending_comments SET thing_id = ?, op = ?, parent_id = '' WHERE id = ? AND revision <> ?`,
			args:  []any{serverID, int(CommentEdit), action.ID, action.Revision},
		},
		{
			Type:  OpInsert,
			Table: "pending_comments",
			query: `INSERT INTO pending_comments (account, thing_id, op, sync_failures, created_at) ` +
				`SELECT ?, ?, ?, 0, ? WHERE NOT EXISTS (SELECT 1 FROM pending_comments WHERE id = ?)`,
			args: []any{action.Account, serverID, int(CommentDelete), action.CreatedAt.UnixMilli(), action.ID},
		},
		{
			Type:  OpDelete,
			Table: "pending_comments",
			query: `DELETE FROM pending_comments WHERE id = ? AND revision = ?`,
			args:  []any{action.ID, action.Revision},
		},
	}
	return append(ops, ReplaceCommentIDOps(action.Account, action.ThingID, serverID)...)
}

func UpdateCommentBodyOps(account, thingID, body string) []Op {
	return []Op{
		{
			Type:  OpUpdate,
			Table: "things",
			query: `UPDATE things SET body = ? WHERE account = ? AND thing_id = ?`,
			args:  []any{body, account, thingID},
		},
		{
			Type:  OpUpdate,
			Table: "session_rows",
			query: `UPDATE session_rows SET body = ? WHERE thing_id = ? AND ` + accountRows,
			args:  []any{body, thingID, account},
		},
	}
}

func MarkCommentDeletedOps(account, thingID string) []Op {
	return []Op{
		{
			Type:  OpUpdate,
			Table: "things",
			query: `UPDATE things SET body = ?, author = ? WHERE account = ? AND thing_id = ?`,
			args:  []any{deletedMarker, deletedMarker, account, thingID},
		},
		{
			Type:  OpUpdate,
			Table: "session_rows",
			query: `UPDATE session_rows SET body = ?, author = ? WHERE thing_id = ? AND ` + accountRows,
			args:  []any{deletedMarker, deletedMarker, thingID, account},
		},
	}
}

// DeletePlaceholderOps removes the rows of a reply that will never sync.
func DeletePlaceholderOps(account, localID string) []Op {
	return []Op{{
		Type:  OpDelete,
		Table: "session_rows",
		query: `DELETE FROM session_rows WHERE thing_id = ? AND placeholder = 1 AND ` + accountRows,
		args:  []any{localID, account},
	}}
}
