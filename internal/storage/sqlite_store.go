package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	thing_id TEXT NOT NULL,
	direction INTEGER NOT NULL,
	sync_failures INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(account, thing_id)
);

CREATE TABLE IF NOT EXISTS pending_saves (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	thing_id TEXT NOT NULL,
	saved INTEGER NOT NULL,
	sync_failures INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(account, thing_id)
);

CREATE TABLE IF NOT EXISTS pending_hides (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	thing_id TEXT NOT NULL,
	hidden INTEGER NOT NULL,
	sync_failures INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(account, thing_id)
);

CREATE TABLE IF NOT EXISTS pending_reads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	thing_id TEXT NOT NULL,
	is_read INTEGER NOT NULL,
	sync_failures INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(account, thing_id)
);

CREATE TABLE IF NOT EXISTS pending_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	thing_id TEXT NOT NULL,
	op INTEGER NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	sync_failures INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(account, thing_id)
);

CREATE TABLE IF NOT EXISTS things (
	account TEXT NOT NULL,
	thing_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	subreddit TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	ups INTEGER NOT NULL DEFAULT 0,
	downs INTEGER NOT NULL DEFAULT 0,
	likes INTEGER NOT NULL DEFAULT 0,
	num_comments INTEGER NOT NULL DEFAULT 0,
	saved INTEGER NOT NULL DEFAULT 0,
	hidden INTEGER NOT NULL DEFAULT 0,
	is_new INTEGER NOT NULL DEFAULT 0,
	created_utc INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account, thing_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	query TEXT NOT NULL,
	account TEXT NOT NULL,
	more TEXT NOT NULL DEFAULT '',
	pages INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_listing
ON sessions(kind, query, account, created_at);

CREATE TABLE IF NOT EXISTS session_rows (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sequence INTEGER NOT NULL,
	nesting INTEGER NOT NULL DEFAULT 0,
	placeholder INTEGER NOT NULL DEFAULT 0,
	thing_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	subreddit TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	ups INTEGER NOT NULL DEFAULT 0,
	downs INTEGER NOT NULL DEFAULT 0,
	likes INTEGER NOT NULL DEFAULT 0,
	num_comments INTEGER NOT NULL DEFAULT 0,
	saved INTEGER NOT NULL DEFAULT 0,
	hidden INTEGER NOT NULL DEFAULT 0,
	is_new INTEGER NOT NULL DEFAULT 0,
	created_utc INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_session_rows_thing
ON session_rows(thing_id);
`

const recordColumns = `thing_id, kind, subreddit, author, title, body, url, score, ups, downs, likes, num_comments, saved, hidden, is_new, created_utc`

func recordArgs(r Record) []any {
	return []any{r.ThingID, string(r.Kind), r.Subreddit, r.Author, r.Title, r.Body, r.URL,
		r.Score, r.Ups, r.Downs, r.Likes, r.NumComments, r.Saved, r.Hidden, r.New, r.CreatedUTC}
}

func recordTargets(r *Record) []any {
	return []any{&r.ThingID, &r.Kind, &r.Subreddit, &r.Author, &r.Title, &r.Body, &r.URL,
		&r.Score, &r.Ups, &r.Downs, &r.Likes, &r.NumComments, &r.Saved, &r.Hidden, &r.New, &r.CreatedUTC}
}

// valueColumns maps the kind-specific columns of a pending table onto
// ActionValue fields.
type valueColumns struct {
	names   []string
	values  func(v ActionValue) []any
	targets func(v *ActionValue) []any
}

func columnsFor(kind ActionKind) valueColumns {
	switch kind {
	case KindVote:
		return valueColumns{
			names:   []string{"direction"},
			values:  func(v ActionValue) []any { return []any{v.Direction} },
			targets: func(v *ActionValue) []any { return []any{&v.Direction} },
		}
	case KindSave:
		return flagColumns("saved")
	case KindHide:
		return flagColumns("hidden")
	case KindRead:
		return flagColumns("is_read")
	case KindComment:
		return valueColumns{
			names: []string{"op", "parent_id", "body", "session_id"},
			values: func(v ActionValue) []any {
				return []any{int(v.CommentOp), v.ParentID, v.Body, v.SessionID}
			},
			targets: func(v *ActionValue) []any {
				return []any{&v.CommentOp, &v.ParentID, &v.Body, &v.SessionID}
			},
		}
	default:
		panic(fmt.Sprintf("no value columns for %s", kind))
	}
}

func flagColumns(name string) valueColumns {
	return valueColumns{
		names:   []string{name},
		values:  func(v ActionValue) []any { return []any{v.Enabled} },
		targets: func(v *ActionValue) []any { return []any{&v.Enabled} },
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	db, err := sql.Open("sqlite", path+separator+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps SQLite write transactions from racing each other.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used for created/updated timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SubmitAction(ctx context.Context, action PendingAction) (PendingAction, error) {
	if err := action.Validate(); err != nil {
		return PendingAction{}, err
	}
	var out PendingAction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if action.Kind == KindComment {
			out, err = s.submitComment(ctx, tx, action)
		} else {
			out, err = s.upsertAction(ctx, tx, action)
		}
		return err
	})
	return out, err
}

// submitComment folds a follow-up edit or delete of a reply that never
// reached the server into the queued insert.
func (s *SQLiteStore) submitComment(ctx context.Context, tx *sql.Tx, action PendingAction) (PendingAction, error) {
	existing, err := s.pendingAction(ctx, tx, KindComment, action.Account, action.ThingID)
	if errors.Is(err, ErrNotFound) || (err == nil && existing.Value.CommentOp != CommentInsert) {
		return s.upsertAction(ctx, tx, action)
	}
	if err != nil {
		return PendingAction{}, err
	}
	switch action.Value.CommentOp {
	case CommentEdit:
		existing.Value.Body = action.Value.Body
		if err := tx.QueryRowContext(ctx, `UPDATE pending_comments SET body = ?, revision = revision + 1 WHERE id = ? RETURNING revision`,
			existing.Value.Body, existing.ID).Scan(&existing.Revision); err != nil {
			return PendingAction{}, fmt.Errorf("update queued reply: %w", err)
		}
		for _, op := range UpdateCommentBodyOps(action.Account, action.ThingID, existing.Value.Body) {
			if _, err := tx.ExecContext(ctx, op.query, op.args...); err != nil {
				return PendingAction{}, fmt.Errorf("update reply placeholder: %w", err)
			}
		}
		return existing, nil
	case CommentDelete:
		ops := append([]Op{DeletePendingOp(existing)}, DeletePlaceholderOps(action.Account, action.ThingID)...)
		for _, op := range ops {
			if _, err := tx.ExecContext(ctx, op.query, op.args...); err != nil {
				return PendingAction{}, fmt.Errorf("drop queued reply: %w", err)
			}
		}
		existing.Value.CommentOp = CommentDelete
		return existing, nil
	default:
		return s.upsertAction(ctx, tx, action)
	}
}

func (s *SQLiteStore) upsertAction(ctx context.Context, q querier, action PendingAction) (PendingAction, error) {
	table := pendingTable(action.Kind)
	cols := columnsFor(action.Kind)
	names := strings.Join(cols.names, ", ")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols.names)), ", ")
	updates := make([]string, 0, len(cols.names))
	for _, name := range cols.names {
		updates = append(updates, name+" = excluded."+name)
	}
	query := `INSERT INTO ` + table + ` (account, thing_id, ` + names + `, sync_failures, created_at)
		VALUES (?, ?, ` + placeholders + `, 0, ?)
		ON CONFLICT(account, thing_id) DO UPDATE SET ` + strings.Join(updates, ", ") + `, sync_failures = 0, revision = revision + 1
		RETURNING id, sync_failures, revision, created_at`
	args := append([]any{action.Account, action.ThingID}, cols.values(action.Value)...)
	args = append(args, s.now().UnixMilli())

	var createdAt int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&action.ID, &action.SyncFailures, &action.Revision, &createdAt); err != nil {
		return PendingAction{}, fmt.Errorf("upsert %s action: %w", action.Kind, err)
	}
	action.CreatedAt = time.UnixMilli(createdAt)
	return action, nil
}

func (s *SQLiteStore) selectActions(kind ActionKind) string {
	cols := columnsFor(kind)
	return `SELECT id, account, thing_id, ` + strings.Join(cols.names, ", ") + `, sync_failures, revision, created_at FROM ` + pendingTable(kind)
}

func scanAction(kind ActionKind, row interface{ Scan(dest ...any) error }) (PendingAction, error) {
	action := PendingAction{Kind: kind}
	var createdAt int64
	targets := []any{&action.ID, &action.Account, &action.ThingID}
	targets = append(targets, columnsFor(kind).targets(&action.Value)...)
	targets = append(targets, &action.SyncFailures, &action.Revision, &createdAt)
	if err := row.Scan(targets...); err != nil {
		return PendingAction{}, err
	}
	action.CreatedAt = time.UnixMilli(createdAt)
	return action, nil
}

func (s *SQLiteStore) pendingAction(ctx context.Context, q querier, kind ActionKind, account, thingID string) (PendingAction, error) {
	row := q.QueryRowContext(ctx, s.selectActions(kind)+` WHERE account = ? AND thing_id = ?`, account, thingID)
	action, err := scanAction(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingAction{}, ErrNotFound
	}
	if err != nil {
		return PendingAction{}, fmt.Errorf("read %s action: %w", kind, err)
	}
	return action, nil
}

func (s *SQLiteStore) PendingActions(ctx context.Context, kind ActionKind, account string) ([]PendingAction, error) {
	return s.pendingActions(ctx, s.db, kind, account)
}

func (s *SQLiteStore) pendingActions(ctx context.Context, q querier, kind ActionKind, account string) ([]PendingAction, error) {
	rows, err := q.QueryContext(ctx, s.selectActions(kind)+` WHERE account = ? ORDER BY id ASC`, account)
	if err != nil {
		return nil, fmt.Errorf("query %s actions: %w", kind, err)
	}
	defer rows.Close()

	actions := make([]PendingAction, 0)
	for rows.Next() {
		action, err := scanAction(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s action: %w", kind, err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s actions: %w", kind, err)
	}
	return actions, nil
}

func (s *SQLiteStore) PendingFor(ctx context.Context, account, thingID string) (Pending, error) {
	var pending Pending
	for _, kind := range ActionKinds {
		action, err := s.pendingAction(ctx, s.db, kind, account, thingID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Pending{}, err
		}
		pending.set(action)
	}
	return pending, nil
}

func (s *SQLiteStore) PendingAccounts(ctx context.Context) ([]string, error) {
	selects := make([]string, 0, len(ActionKinds))
	for _, kind := range ActionKinds {
		selects = append(selects, `SELECT account FROM `+pendingTable(kind))
	}
	rows, err := s.db.QueryContext(ctx, strings.Join(selects, " UNION ")+` ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("query pending accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]string, 0)
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

func (s *SQLiteStore) CountPending(ctx context.Context, account string) (map[ActionKind]int, error) {
	counts := make(map[ActionKind]int, len(ActionKinds))
	for _, kind := range ActionKinds {
		var n int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+pendingTable(kind)+` WHERE account = ?`, account)
		if err := row.Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s actions: %w", kind, err)
		}
		counts[kind] = n
	}
	return counts, nil
}

func (s *SQLiteStore) ApplyOps(ctx context.Context, ops []Op) ([]OpResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	results := make([]OpResult, 0, len(ops))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		skipping := false
		for _, op := range ops {
			if op.guard {
				skipping = false
			} else if skipping {
				continue
			}
			res, err := tx.ExecContext(ctx, op.query, op.args...)
			if err != nil {
				return fmt.Errorf("apply %s on %s: %w", op.Type, op.Table, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			results = append(results, OpResult{Op: op, RowsAffected: affected})
			skipping = op.guard && affected == 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *SQLiteStore) Thing(ctx context.Context, account, thingID string) (Thing, error) {
	thing := Thing{Account: account}
	var updatedAt int64
	targets := append(recordTargets(&thing.Record), &updatedAt)
	err := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`, updated_at FROM things WHERE account = ? AND thing_id = ?`, account, thingID).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return Thing{}, ErrNotFound
	}
	if err != nil {
		return Thing{}, fmt.Errorf("read thing: %w", err)
	}
	thing.UpdatedAt = time.UnixMilli(updatedAt)
	return thing, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session Session) (Session, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = time.UnixMilli(s.now().UnixMilli())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, query, account, more, pages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Kind, session.Query, session.Account, session.More, session.Pages, session.CreatedAt.UnixMilli())
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

const selectSession = `SELECT id, kind, query, account, more, pages, created_at FROM sessions`

func scanSession(row *sql.Row) (Session, error) {
	var session Session
	var createdAt int64
	err := row.Scan(&session.ID, &session.Kind, &session.Query, &session.Account, &session.More, &session.Pages, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	return session, nil
}

func (s *SQLiteStore) Session(ctx context.Context, id string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id))
}

func (s *SQLiteStore) FindSession(ctx context.Context, kind, query, account string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, selectSession+`
		WHERE kind = ? AND query = ? AND account = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, kind, query, account))
}

func (s *SQLiteStore) AppendRows(ctx context.Context, sessionID, more string, rows []SessionRow) (Session, error) {
	var out Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, sessionID))
		if err != nil {
			return err
		}
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), -1) + 1 FROM session_rows WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		insertRow, err := tx.PrepareContext(ctx, `
			INSERT INTO session_rows (session_id, sequence, nesting, placeholder, `+recordColumns+`)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare row insert: %w", err)
		}
		defer insertRow.Close()
		upsertThing, err := tx.PrepareContext(ctx, `
			INSERT INTO things (account, `+recordColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account, thing_id) DO UPDATE SET
				kind = excluded.kind, subreddit = excluded.subreddit, author = excluded.author,
				title = excluded.title, body = excluded.body, url = excluded.url,
				score = excluded.score, ups = excluded.ups, downs = excluded.downs,
				likes = excluded.likes, num_comments = excluded.num_comments,
				saved = excluded.saved, hidden = excluded.hidden, is_new = excluded.is_new,
				created_utc = excluded.created_utc, updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare thing upsert: %w", err)
		}
		defer upsertThing.Close()

		now := s.now().UnixMilli()
		for i, row := range rows {
			args := append([]any{sessionID, next + int64(i), row.Nesting}, recordArgs(row.Record)...)
			if _, err := insertRow.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert session row: %w", err)
			}
			thingArgs := append([]any{session.Account}, recordArgs(row.Record)...)
			if _, err := upsertThing.ExecContext(ctx, append(thingArgs, now)...); err != nil {
				return fmt.Errorf("upsert thing: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET more = ?, pages = pages + 1 WHERE id = ?`, more, sessionID); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		session.More = more
		session.Pages++
		out = session
		return nil
	})
	return out, err
}

func (s *SQLiteStore) SessionRows(ctx context.Context, sessionID string) ([]SessionRow, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, nesting, placeholder, `+recordColumns+`
		FROM session_rows
		WHERE session_id = ?
		ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session rows: %w", err)
	}
	out := make([]SessionRow, 0)
	for rows.Next() {
		var row SessionRow
		targets := append([]any{&row.SessionID, &row.Sequence, &row.Nesting, &row.Placeholder}, recordTargets(&row.Record)...)
		if err := rows.Scan(targets...); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	rows.Close()

	index, err := s.pendingIndex(ctx, session.Account)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Pending = index[out[i].ThingID]
	}
	return out, nil
}

func (s *SQLiteStore) pendingIndex(ctx context.Context, account string) (map[string]Pending, error) {
	index := make(map[string]Pending)
	for _, kind := range ActionKinds {
		actions, err := s.pendingActions(ctx, s.db, kind, account)
		if err != nil {
			return nil, err
		}
		for _, action := range actions {
			pending := index[action.ThingID]
			pending.set(action)
			index[action.ThingID] = pending
		}
	}
	return index, nil
}

func (s *SQLiteStore) InsertReply(ctx context.Context, row SessionRow, action PendingAction) (PendingAction, error) {
	if err := action.Validate(); err != nil {
		return PendingAction{}, err
	}
	var out PendingAction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, row.SessionID)); err != nil {
			return err
		}
		// Two passes through negative values keep (session_id, sequence)
		// unique while later rows move up by one.
		if _, err := tx.ExecContext(ctx, `UPDATE session_rows SET sequence = -(sequence + 1) WHERE session_id = ? AND sequence >= ?`, row.SessionID, row.Sequence); err != nil {
			return fmt.Errorf("shift session rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE session_rows SET sequence = -sequence WHERE session_id = ? AND sequence < 0`, row.SessionID); err != nil {
			return fmt.Errorf("restore session rows: %w", err)
		}
		args := append([]any{row.SessionID, row.Sequence, row.Nesting}, recordArgs(row.Record)...)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_rows (session_id, sequence, nesting, placeholder, `+recordColumns+`)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...); err != nil {
			return fmt.Errorf("insert reply row: %w", err)
		}
		var err error
		out, err = s.upsertAction(ctx, tx, action)
		return err
	})
	return out, err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
