package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"subsync/client/internal/auth"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
)

type fakeRemote struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	nextID int
	// during runs inside a remote call, before it returns.
	during func(op, thingID string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{fail: make(map[string]error)}
}

func (f *fakeRemote) record(op, thingID string) error {
	if f.during != nil {
		f.during(op, thingID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+thingID)
	return f.fail[thingID]
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) Vote(_ context.Context, _ auth.Credentials, thingID string, _ int) error {
	return f.record("vote", thingID)
}

func (f *fakeRemote) Save(_ context.Context, _ auth.Credentials, thingID string, _ bool) error {
	return f.record("save", thingID)
}

func (f *fakeRemote) Hide(_ context.Context, _ auth.Credentials, thingID string, _ bool) error {
	return f.record("hide", thingID)
}

func (f *fakeRemote) MarkRead(_ context.Context, _ auth.Credentials, thingID string, _ bool) error {
	return f.record("read", thingID)
}

func (f *fakeRemote) Comment(_ context.Context, _ auth.Credentials, parentID, _ string) (string, error) {
	if err := f.record("comment", parentID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("t1_new%d", f.nextID), nil
}

func (f *fakeRemote) EditComment(_ context.Context, _ auth.Credentials, thingID, _ string) error {
	return f.record("edit", thingID)
}

func (f *fakeRemote) DeleteComment(_ context.Context, _ auth.Credentials, thingID string) error {
	return f.record("del", thingID)
}

type testEnv struct {
	store  *storage.SQLiteStore
	remote *fakeRemote
	coord  *Coordinator
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store, remote: newFakeRemote(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env.coord = NewCoordinator(store, auth.StaticProvider{"alice": {AccessToken: "token"}}, DefaultSyncers(env.remote), Options{
		Backoff:          Backoff{Base: 10 * time.Second, Max: time.Hour},
		CommentRateLimit: time.Minute,
		Now:              func() time.Time { return env.now },
	})
	return env
}

func (e *testEnv) seedLinks(t *testing.T, ids ...string) storage.Session {
	t.Helper()
	ctx := context.Background()
	session, err := e.store.CreateSession(ctx, storage.Session{Kind: "subreddit", Query: "golang", Account: "alice"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rows := make([]storage.SessionRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, storage.SessionRow{Record: storage.Record{ThingID: id, Kind: storage.ThingLink, Score: 10}})
	}
	if _, err := e.store.AppendRows(ctx, session.ID, "", rows); err != nil {
		t.Fatalf("append rows: %v", err)
	}
	return session
}

func (e *testEnv) submit(t *testing.T, action storage.PendingAction) storage.PendingAction {
	t.Helper()
	if action.Account == "" {
		action.Account = "alice"
	}
	out, err := e.store.SubmitAction(context.Background(), action)
	if err != nil {
		t.Fatalf("submit %s: %v", action.Kind, err)
	}
	return out
}

func (e *testEnv) pending(t *testing.T, kind storage.ActionKind) []storage.PendingAction {
	t.Helper()
	actions, err := e.store.PendingActions(context.Background(), kind, "alice")
	if err != nil {
		t.Fatalf("pending %s: %v", kind, err)
	}
	return actions
}

func TestBatchSyncRetiresOnlySuccessfulRows(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinks(t, "t3_a", "t3_b", "t3_c")
	for _, id := range []string{"t3_a", "t3_b", "t3_c"} {
		env.submit(t, storage.PendingAction{ThingID: id, Kind: storage.KindSave, Value: storage.ActionValue{Enabled: true}})
	}
	env.remote.fail["t3_b"] = &remote.NetworkError{Op: "save", Err: errors.New("connection reset")}

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	left := env.pending(t, storage.KindSave)
	if len(left) != 1 || left[0].ThingID != "t3_b" || left[0].SyncFailures != 1 {
		t.Fatalf("expected only t3_b left with one failure, got %+v", left)
	}
	for id, want := range map[string]bool{"t3_a": true, "t3_b": false, "t3_c": true} {
		thing, err := env.store.Thing(context.Background(), "alice", id)
		if err != nil {
			t.Fatalf("thing %s: %v", id, err)
		}
		if thing.Saved != want {
			t.Fatalf("%s saved=%v, want %v", id, thing.Saved, want)
		}
	}

	stats := report.Kinds["save"]
	if stats.Synced != 2 || stats.Failures != 1 || stats.IOErrors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Deletes != 2 {
		t.Fatalf("expected 2 pending deletes tallied, got %d", stats.Deletes)
	}
	if want := env.now.Add(10 * time.Second); !report.NextRun.Equal(want) {
		t.Fatalf("expected follow-up at %s, got %s", want, report.NextRun)
	}
}

func TestVoteSyncUpdatesCanonicalScore(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedLinks(t, "t3_a")
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})

	if _, err := env.coord.Run(context.Background(), "alice"); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := env.store.SessionRows(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("session rows: %v", err)
	}
	if rows[0].Score != 11 || rows[0].Likes != 1 || !rows[0].Pending.Empty() {
		t.Fatalf("unexpected row after vote sync: %+v", rows[0])
	}
}

func TestVoteRewrittenDuringSyncStaysQueued(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedLinks(t, "t3_a")
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})
	env.remote.during = func(op, thingID string) {
		env.remote.during = nil
		env.submit(t, storage.PendingAction{ThingID: thingID, Kind: storage.KindVote, Value: storage.ActionValue{Direction: -1}})
	}

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	left := env.pending(t, storage.KindVote)
	if len(left) != 1 || left[0].Value.Direction != -1 || left[0].SyncFailures != 0 {
		t.Fatalf("newer vote must stay queued, got %+v", left)
	}
	thing, err := env.store.Thing(context.Background(), "alice", "t3_a")
	if err != nil {
		t.Fatalf("thing: %v", err)
	}
	if thing.Likes != 0 || thing.Score != 10 {
		t.Fatalf("superseded vote must not reach the canonical record: %+v", thing.Record)
	}
	if stats := report.Kinds["vote"]; stats.Superseded != 1 || stats.Updates != 0 {
		t.Fatalf("unexpected vote stats: %+v", stats)
	}
	if !report.NextRun.Equal(env.now) {
		t.Fatalf("expected an immediate follow-up, got %s", report.NextRun)
	}

	if _, err := env.coord.Run(context.Background(), "alice"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if left := env.pending(t, storage.KindVote); len(left) != 0 {
		t.Fatalf("expected the newer vote synced, got %+v", left)
	}
	rows, err := env.store.SessionRows(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("session rows: %v", err)
	}
	if rows[0].Likes != -1 || rows[0].Score != 9 {
		t.Fatalf("unexpected row after second run: %+v", rows[0].Record)
	}
}

func TestFailureNotChargedToRewrittenRow(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinks(t, "t3_a")
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindSave, Value: storage.ActionValue{Enabled: true}})
	env.remote.fail["t3_a"] = &remote.NetworkError{Op: "save", Err: errors.New("timeout")}
	env.remote.during = func(op, thingID string) {
		env.remote.during = nil
		env.submit(t, storage.PendingAction{ThingID: thingID, Kind: storage.KindSave, Value: storage.ActionValue{Enabled: false}})
	}

	if _, err := env.coord.Run(context.Background(), "alice"); err != nil {
		t.Fatalf("run: %v", err)
	}
	left := env.pending(t, storage.KindSave)
	if len(left) != 1 || left[0].Value.Enabled || left[0].SyncFailures != 0 {
		t.Fatalf("rewritten row should start at zero failures, got %+v", left)
	}
}

func (e *testEnv) queueReply(t *testing.T, session storage.Session) {
	t.Helper()
	reply := storage.SessionRow{SessionID: session.ID, Sequence: 1, Record: storage.Record{ThingID: "local_1", Kind: storage.ThingComment, Body: "hi"}}
	if _, err := e.store.InsertReply(context.Background(), reply, storage.PendingAction{
		Account: "alice",
		ThingID: "local_1",
		Kind:    storage.KindComment,
		Value:   storage.ActionValue{CommentOp: storage.CommentInsert, ParentID: "t3_a", Body: "hi", SessionID: session.ID},
	}); err != nil {
		t.Fatalf("insert reply: %v", err)
	}
}

func TestReplyEditedWhilePostingStaysQueuedAsEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.seedLinks(t, "t3_a")
	env.queueReply(t, session)
	env.remote.during = func(op, _ string) {
		env.remote.during = nil
		env.submit(t, storage.PendingAction{ThingID: "local_1", Kind: storage.KindComment, Value: storage.ActionValue{CommentOp: storage.CommentEdit, Body: "changed"}})
	}

	report, err := env.coord.Run(ctx, "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	left := env.pending(t, storage.KindComment)
	if len(left) != 1 || left[0].ThingID != "t1_new1" || left[0].Value.CommentOp != storage.CommentEdit || left[0].Value.Body != "changed" {
		t.Fatalf("expected the edit queued against the server id, got %+v", left)
	}
	rows, err := env.store.SessionRows(ctx, session.ID)
	if err != nil {
		t.Fatalf("session rows: %v", err)
	}
	if rows[1].ThingID != "t1_new1" || rows[1].Placeholder || rows[1].Body != "changed" {
		t.Fatalf("unexpected reply row: %+v", rows[1])
	}
	if report.NextRun.IsZero() {
		t.Fatalf("queued edit needs a follow-up run")
	}
}

func TestReplyDeletedWhilePostingQueuesRemoteDelete(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedLinks(t, "t3_a")
	env.queueReply(t, session)
	env.remote.during = func(op, _ string) {
		env.remote.during = nil
		env.submit(t, storage.PendingAction{ThingID: "local_1", Kind: storage.KindComment, Value: storage.ActionValue{CommentOp: storage.CommentDelete}})
	}

	if _, err := env.coord.Run(context.Background(), "alice"); err != nil {
		t.Fatalf("run: %v", err)
	}
	left := env.pending(t, storage.KindComment)
	if len(left) != 1 || left[0].ThingID != "t1_new1" || left[0].Value.CommentOp != storage.CommentDelete {
		t.Fatalf("expected a remote delete for the posted reply, got %+v", left)
	}
}

func TestCommentSyncOneRowPerRun(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.submit(t, storage.PendingAction{
			ThingID: fmt.Sprintf("t1_c%d", i),
			Kind:    storage.KindComment,
			Value:   storage.ActionValue{CommentOp: storage.CommentEdit, Body: "edited"},
		})
	}

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(env.pending(t, storage.KindComment)); got != 4 {
		t.Fatalf("expected 4 comments left, got %d", got)
	}
	if env.remote.callCount() != 1 {
		t.Fatalf("expected one remote call, got %d", env.remote.callCount())
	}
	stats := report.Kinds["comment"]
	if stats.Attempts != 1 || stats.Deferred != 4 {
		t.Fatalf("unexpected comment stats: %+v", stats)
	}
	if want := env.now.Add(time.Minute); !report.NextRun.Equal(want) {
		t.Fatalf("expected next run at %s, got %s", want, report.NextRun)
	}

	if _, err := env.coord.Run(context.Background(), "alice"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := len(env.pending(t, storage.KindComment)); got != 4 {
		t.Fatalf("run inside the rate limit window should post nothing, %d left", got)
	}

	env.now = env.now.Add(61 * time.Second)
	if _, err := env.coord.Run(context.Background(), "alice"); err != nil {
		t.Fatalf("third run: %v", err)
	}
	left := env.pending(t, storage.KindComment)
	if len(left) != 3 || left[0].ThingID != "t1_c2" {
		t.Fatalf("expected oldest-first posting, left %+v", left)
	}
}

func TestCommentRateLimitHonorsServerBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, storage.PendingAction{ThingID: "t1_a", Kind: storage.KindComment, Value: storage.ActionValue{CommentOp: storage.CommentEdit, Body: "x"}})
	env.remote.fail["t1_a"] = &remote.RateLimitError{RetryAfter: 10 * time.Minute}

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := env.now.Add(10 * time.Minute); !report.NextRun.Equal(want) {
		t.Fatalf("expected next run at %s, got %s", want, report.NextRun)
	}
	left := env.pending(t, storage.KindComment)
	if len(left) != 1 || left[0].SyncFailures != 1 {
		t.Fatalf("expected rate-limited row kept with a failure, got %+v", left)
	}
	if report.Kinds["comment"].RateLimited != 1 {
		t.Fatalf("expected rate limit tallied")
	}
}

func TestCommentInsertSwapsLocalID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.seedLinks(t, "t3_a")

	reply := storage.SessionRow{SessionID: session.ID, Sequence: 1, Record: storage.Record{ThingID: "local_1", Kind: storage.ThingComment, Body: "hi"}}
	if _, err := env.store.InsertReply(ctx, reply, storage.PendingAction{
		Account: "alice",
		ThingID: "local_1",
		Kind:    storage.KindComment,
		Value:   storage.ActionValue{CommentOp: storage.CommentInsert, ParentID: "t3_a", Body: "hi", SessionID: session.ID},
	}); err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	if _, err := env.store.SubmitAction(ctx, storage.PendingAction{
		Account: "alice",
		ThingID: "local_2",
		Kind:    storage.KindComment,
		Value:   storage.ActionValue{CommentOp: storage.CommentInsert, ParentID: "local_1", Body: "nested"},
	}); err != nil {
		t.Fatalf("submit nested reply: %v", err)
	}

	if _, err := env.coord.Run(ctx, "alice"); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := env.store.SessionRows(ctx, session.ID)
	if err != nil {
		t.Fatalf("session rows: %v", err)
	}
	if rows[1].ThingID != "t1_new1" || rows[1].Placeholder {
		t.Fatalf("placeholder not swapped: %+v", rows[1])
	}
	left := env.pending(t, storage.KindComment)
	if len(left) != 1 || left[0].Value.ParentID != "t1_new1" {
		t.Fatalf("nested reply should be re-parented, got %+v", left)
	}
}

func TestValidationErrorDropsRow(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinks(t, "t3_a")
	env.submit(t, storage.PendingAction{ThingID: "bogus", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})
	env.remote.fail["bogus"] = fmt.Errorf("%w: %q", remote.ErrInvalidThing, "bogus")

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(env.pending(t, storage.KindVote)); got != 0 {
		t.Fatalf("expected both votes gone, %d left", got)
	}
	if stats := report.Kinds["vote"]; stats.Dropped != 1 || stats.Synced != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !report.NextRun.IsZero() {
		t.Fatalf("drained queue should not ask for a follow-up, got %s", report.NextRun)
	}
}

func TestDroppedReplyRemovesPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.seedLinks(t, "t3_a")
	reply := storage.SessionRow{SessionID: session.ID, Sequence: 1, Record: storage.Record{ThingID: "local_1", Kind: storage.ThingComment, Body: "hi"}}
	if _, err := env.store.InsertReply(ctx, reply, storage.PendingAction{
		Account: "alice",
		ThingID: "local_1",
		Kind:    storage.KindComment,
		Value:   storage.ActionValue{CommentOp: storage.CommentInsert, ParentID: "t3_a", Body: "hi", SessionID: session.ID},
	}); err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	env.remote.fail["t3_a"] = &remote.APIError{Code: "THREAD_LOCKED", Message: "locked"}

	if _, err := env.coord.Run(ctx, "alice"); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := env.store.SessionRows(ctx, session.ID)
	if err != nil {
		t.Fatalf("session rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected placeholder removed, got %d rows", len(rows))
	}
}

func TestMissingCredentialsKeepsRows(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, storage.PendingAction{Account: "bob", ThingID: "t3_a", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})

	report, err := env.coord.Run(context.Background(), "bob")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.AuthFailed || report.Kinds["vote"].AuthErrors != 1 {
		t.Fatalf("expected auth failure, got %+v", report)
	}
	actions, err := env.store.PendingActions(context.Background(), storage.KindVote, "bob")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(actions) != 1 || actions[0].SyncFailures != 0 {
		t.Fatalf("auth failures must leave rows untouched, got %+v", actions)
	}
	if env.remote.callCount() != 0 {
		t.Fatalf("no remote call expected")
	}
}

func TestRemoteUnauthorizedStopsAccount(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinks(t, "t3_a", "t3_b")
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})
	env.submit(t, storage.PendingAction{ThingID: "t3_b", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindSave, Value: storage.ActionValue{Enabled: true}})
	env.remote.fail["t3_a"] = remote.ErrUnauthorized

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.AuthFailed {
		t.Fatalf("expected auth failure")
	}
	if env.remote.callCount() != 1 {
		t.Fatalf("expected the run to stop after the first call, got %d", env.remote.callCount())
	}
	if got := len(env.pending(t, storage.KindVote)); got != 2 {
		t.Fatalf("expected both votes kept, got %d", got)
	}
	if _, ok := report.Kinds["save"]; ok {
		t.Fatalf("save syncer should not run after an auth failure")
	}
}

func TestForbiddenKeepsRows(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, storage.PendingAction{ThingID: "t1_a", Kind: storage.KindComment, Value: storage.ActionValue{CommentOp: storage.CommentEdit, Body: "x"}})
	env.remote.fail["t1_a"] = &remote.StatusError{Status: 403, Body: "forbidden"}

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.AuthFailed || report.Kinds["comment"].Dropped != 0 {
		t.Fatalf("403 must count as an auth failure, got %+v", report.Kinds["comment"])
	}
	if got := len(env.pending(t, storage.KindComment)); got != 1 {
		t.Fatalf("expected the comment kept, got %d", got)
	}
}

func TestRateLimitStopsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinks(t, "t3_a", "t3_b")
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindHide, Value: storage.ActionValue{Enabled: true}})
	env.submit(t, storage.PendingAction{ThingID: "t3_b", Kind: storage.KindHide, Value: storage.ActionValue{Enabled: true}})
	env.remote.fail["t3_a"] = &remote.RateLimitError{RetryAfter: 2 * time.Minute}

	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	stats := report.Kinds["hide"]
	if stats.Attempts != 1 || stats.Deferred != 1 || stats.RateLimited != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if want := env.now.Add(2 * time.Minute); !report.NextRun.Equal(want) {
		t.Fatalf("expected server backoff honored, got %s", report.NextRun)
	}
}

func TestBusyAccountSkipped(t *testing.T) {
	env := newTestEnv(t)
	locker := NewMemoryLocker()
	env.coord.locker = locker
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindVote, Value: storage.ActionValue{Direction: 1}})

	release, ok, err := locker.TryLock(context.Background(), "account:alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-lock: ok=%v err=%v", ok, err)
	}
	report, err := env.coord.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Busy || env.remote.callCount() != 0 {
		t.Fatalf("expected busy skip, got %+v", report)
	}
	if want := env.now.Add(10 * time.Second); !report.NextRun.Equal(want) {
		t.Fatalf("busy run should ask for a retry at %s, got %s", want, report.NextRun)
	}
	release()

	report, err = env.coord.Run(context.Background(), "alice")
	if err != nil || report.Busy {
		t.Fatalf("expected run after release, busy=%v err=%v", report.Busy, err)
	}
}

type failingStore struct {
	storage.Store
}

func (f failingStore) ApplyOps(context.Context, []storage.Op) ([]storage.OpResult, error) {
	return nil, errors.New("disk I/O error")
}

func TestStoreErrorLeavesRowsUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinks(t, "t3_a")
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindSave, Value: storage.ActionValue{Enabled: true}})
	env.submit(t, storage.PendingAction{ThingID: "t3_a", Kind: storage.KindHide, Value: storage.ActionValue{Enabled: true}})

	coord := NewCoordinator(failingStore{env.store}, auth.StaticProvider{"alice": {AccessToken: "token"}}, DefaultSyncers(env.remote), Options{})
	report, err := coord.Run(context.Background(), "alice")

	var storeErr *LocalStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected LocalStoreError, got %v", err)
	}
	if report.Kinds["save"].StoreErrors != 1 || report.Kinds["hide"].StoreErrors != 1 {
		t.Fatalf("both kinds should run and record a store error: %+v", report.Total())
	}
	saves := env.pending(t, storage.KindSave)
	if len(saves) != 1 || saves[0].SyncFailures != 0 {
		t.Fatalf("save row must stay as it was, got %+v", saves)
	}
	thing, err := env.store.Thing(context.Background(), "alice", "t3_a")
	if err != nil {
		t.Fatalf("thing: %v", err)
	}
	if thing.Saved || thing.Hidden {
		t.Fatalf("canonical record must not change, got %+v", thing.Record)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Minute}
	cases := map[int]time.Duration{0: 0, 1: 5 * time.Second, 2: 10 * time.Second, 3: 20 * time.Second, 4: 40 * time.Second, 5: time.Minute, 60: time.Minute}
	for failures, want := range cases {
		if got := b.Delay(failures); got != want {
			t.Fatalf("Delay(%d) = %s, want %s", failures, got, want)
		}
	}
}
