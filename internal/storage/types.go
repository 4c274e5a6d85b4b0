package storage

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind identifies one of the pending mutation queues.
type ActionKind int

const (
	KindVote ActionKind = iota + 1
	KindSave
	KindHide
	KindRead
	KindComment
)

// ActionKinds lists every queue in sync order. Comments go last so the
// rate-limited queue never delays the cheap batch kinds.
var ActionKinds = []ActionKind{KindVote, KindSave, KindHide, KindRead, KindComment}

func (k ActionKind) String() string {
	switch k {
	case KindVote:
		return "vote"
	case KindSave:
		return "save"
	case KindHide:
		return "hide"
	case KindRead:
		return "read"
	case KindComment:
		return "comment"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseActionKind(value string) (ActionKind, error) {
	needle := strings.ToLower(strings.TrimSpace(value))
	for _, kind := range ActionKinds {
		if kind.String() == needle {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown action kind %q", ErrInvalidAction, value)
}

func (k ActionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ActionKind) UnmarshalText(text []byte) error {
	kind, err := ParseActionKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// CommentOp distinguishes the three comment mutations sharing one queue.
type CommentOp int

const (
	CommentInsert CommentOp = iota
	CommentEdit
	CommentDelete
)

func (op CommentOp) String() string {
	switch op {
	case CommentInsert:
		return "insert"
	case CommentEdit:
		return "edit"
	case CommentDelete:
		return "delete"
	default:
		return fmt.Sprintf("comment-op(%d)", int(op))
	}
}

func ParseCommentOp(value string) (CommentOp, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "insert":
		return CommentInsert, nil
	case "edit":
		return CommentEdit, nil
	case "delete":
		return CommentDelete, nil
	}
	return 0, fmt.Errorf("%w: unknown comment op %q", ErrInvalidAction, value)
}

func (op CommentOp) MarshalText() ([]byte, error) { return []byte(op.String()), nil }

func (op *CommentOp) UnmarshalText(text []byte) error {
	parsed, err := ParseCommentOp(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// ActionValue is the kind-specific payload of a pending action. Only the
// fields relevant to the action's kind are meaningful.
type ActionValue struct {
	// Direction is the vote direction: -1, 0 or 1.
	Direction int `json:"direction,omitempty"`
	// Enabled is the save, hide or read flag.
	Enabled bool `json:"enabled,omitempty"`

	CommentOp CommentOp `json:"commentOp,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	Body      string    `json:"body,omitempty"`
	// SessionID names the session holding the placeholder row of an
	// unsynced reply.
	SessionID string `json:"sessionId,omitempty"`
}

// PendingAction is one outstanding local mutation awaiting sync.
type PendingAction struct {
	ID           int64       `json:"id"`
	Account      string      `json:"account"`
	ThingID      string      `json:"thingId"`
	Kind         ActionKind  `json:"kind"`
	Value        ActionValue `json:"value"`
	SyncFailures int         `json:"syncFailures"`
	// Revision counts the rewrites of the row. Sync ops only touch the
	// revision they were built from.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the payload against the rules of the action's kind.
func (a PendingAction) Validate() error {
	if strings.TrimSpace(a.ThingID) == "" {
		return fmt.Errorf("%w: thing id is required", ErrInvalidAction)
	}
	switch a.Kind {
	case KindVote:
		if a.Value.Direction < -1 || a.Value.Direction > 1 {
			return fmt.Errorf("%w: vote direction %d", ErrInvalidAction, a.Value.Direction)
		}
	case KindSave, KindHide, KindRead:
	case KindComment:
		switch a.Value.CommentOp {
		case CommentInsert:
			if a.Value.ParentID == "" {
				return fmt.Errorf("%w: reply needs a parent", ErrInvalidAction)
			}
			if strings.TrimSpace(a.Value.Body) == "" {
				return fmt.Errorf("%w: comment body is empty", ErrInvalidAction)
			}
		case CommentEdit:
			if strings.TrimSpace(a.Value.Body) == "" {
				return fmt.Errorf("%w: comment body is empty", ErrInvalidAction)
			}
		case CommentDelete:
		default:
			return fmt.Errorf("%w: %s", ErrInvalidAction, a.Value.CommentOp)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidAction, a.Kind)
	}
	return nil
}

// Pending groups the outstanding actions that target one thing.
type Pending struct {
	Vote    *PendingAction `json:"vote,omitempty"`
	Save    *PendingAction `json:"save,omitempty"`
	Hide    *PendingAction `json:"hide,omitempty"`
	Read    *PendingAction `json:"read,omitempty"`
	Comment *PendingAction `json:"comment,omitempty"`
}

func (p *Pending) set(action PendingAction) {
	a := action
	switch action.Kind {
	case KindVote:
		p.Vote = &a
	case KindSave:
		p.Save = &a
	case KindHide:
		p.Hide = &a
	case KindRead:
		p.Read = &a
	case KindComment:
		p.Comment = &a
	}
}

// Empty reports whether no action is outstanding.
func (p Pending) Empty() bool {
	return p.Vote == nil && p.Save == nil && p.Hide == nil && p.Read == nil && p.Comment == nil
}

// ThingKind is the remote entity type of a record.
type ThingKind string

const (
	ThingLink      ThingKind = "link"
	ThingComment   ThingKind = "comment"
	ThingMessage   ThingKind = "message"
	ThingSubreddit ThingKind = "subreddit"
)

// Record holds the server-derived fields of a thing.
type Record struct {
	ThingID     string    `json:"thingId"`
	Kind        ThingKind `json:"kind"`
	Subreddit   string    `json:"subreddit,omitempty"`
	Author      string    `json:"author,omitempty"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body,omitempty"`
	URL         string    `json:"url,omitempty"`
	Score       int       `json:"score"`
	Ups         int       `json:"ups"`
	Downs       int       `json:"downs"`
	Likes       int       `json:"likes"`
	NumComments int       `json:"numComments,omitempty"`
	Saved       bool      `json:"saved"`
	Hidden      bool      `json:"hidden"`
	New         bool      `json:"new"`
	CreatedUTC  int64     `json:"createdUtc,omitempty"`
}

// Thing is the canonical record of a thing as last seen by an account.
type Thing struct {
	Account string `json:"account"`
	Record
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is one materialized instance of a paged listing.
type Session struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Query   string `json:"query"`
	Account string `json:"account"`
	// More is the continuation key for the next page; empty when exhausted.
	More      string    `json:"more,omitempty"`
	Pages     int       `json:"pages"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionRow is one listing item of a session together with any actions
// pending against its thing.
type SessionRow struct {
	SessionID string `json:"sessionId"`
	Sequence  int64  `json:"sequence"`
	Nesting   int    `json:"nesting"`
	// Placeholder marks a local reply that has not reached the server.
	Placeholder bool `json:"placeholder,omitempty"`
	Record
	Pending Pending `json:"pending"`
}
