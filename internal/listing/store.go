// Package listing materializes paged remote listings into local sessions
// and serves them through cursors that clean up after themselves.
package listing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"subsync/client/internal/auth"
	"subsync/client/internal/logging"
	"subsync/client/internal/merge"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
)

var ErrUnknownKind = errors.New("unknown listing kind")

// Kinds lists the listing kinds a session can hold.
var Kinds = []string{
	remote.ListingSubreddit,
	remote.ListingComments,
	remote.ListingProfile,
	remote.ListingSearch,
	remote.ListingMessages,
	remote.ListingMessageThread,
}

// LocalIDPrefix marks the thing id of a reply that has not synced yet.
const LocalIDPrefix = "local_"

// Fetcher fetches one page of a listing from the server.
type Fetcher interface {
	FetchListing(ctx context.Context, creds auth.Credentials, kind, query, more string, limit int) (remote.Page, error)
}

type Options struct {
	PageSize int
	Logger   *logging.Logger
	Now      func() time.Time
}

type refs struct {
	open     int
	retained bool
	// deleting is set once the last unretained cursor closed. The session
	// is gone for new cursors from then on.
	deleting bool
}

var errSessionGone = fmt.Errorf("session is being deleted: %w", storage.ErrNotFound)

// Store owns the lifecycle of listing sessions: creation on first fetch,
// growth on load more, and deletion on expiry or on the last unretained
// close.
type Store struct {
	store    storage.Store
	fetcher  Fetcher
	creds    auth.Provider
	pageSize int
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*refs
	cleanup  sync.WaitGroup
}

func NewStore(store storage.Store, fetcher Fetcher, creds auth.Provider, opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = remote.DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		store:    store,
		fetcher:  fetcher,
		creds:    creds,
		pageSize: opts.PageSize,
		logger:   opts.Logger,
		now:      opts.Now,
		sessions: make(map[string]*refs),
	}
}

func validKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// dedupes reports whether reopening the same listing reuses its session.
func dedupes(kind string) bool {
	return kind == remote.ListingSubreddit || kind == remote.ListingSearch
}

// Open returns a cursor over the listing. An existing session id is trusted
// as is. Subreddit and search listings reuse the newest session of the same
// query; everything else fetches a fresh first page.
func (s *Store) Open(ctx context.Context, account, kind, query, existingSessionID string) (*Cursor, error) {
	if existingSessionID != "" {
		session, err := s.session(ctx, existingSessionID)
		if err != nil {
			return nil, fmt.Errorf("open session %s: %w", existingSessionID, err)
		}
		return s.cursor(ctx, session)
	}
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if dedupes(kind) {
		session, err := s.store.FindSession(ctx, kind, query, account)
		switch {
		case err == nil:
			cursor, err := s.cursor(ctx, session)
			if !errors.Is(err, errSessionGone) {
				return cursor, err
			}
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("find session: %w", err)
		}
	}

	session, err := s.create(ctx, account, kind, query)
	if err != nil {
		return nil, err
	}
	return s.cursor(ctx, session)
}

// session reads a session that is not on its way out.
func (s *Store) session(ctx context.Context, id string) (storage.Session, error) {
	s.mu.Lock()
	r, ok := s.sessions[id]
	gone := ok && r.deleting
	s.mu.Unlock()
	if gone {
		return storage.Session{}, errSessionGone
	}
	return s.store.Session(ctx, id)
}

// create fetches the first page before writing anything, so a failed or
// cancelled fetch leaves no session behind.
func (s *Store) create(ctx context.Context, account, kind, query string) (storage.Session, error) {
	page, err := s.fetch(ctx, account, kind, query, "")
	if err != nil {
		return storage.Session{}, err
	}
	session, err := s.store.CreateSession(ctx, storage.Session{Kind: kind, Query: query, Account: account})
	if err != nil {
		return storage.Session{}, err
	}
	session, err = s.store.AppendRows(ctx, session.ID, page.More, page.Rows)
	if err != nil {
		_ = s.store.DeleteSession(context.WithoutCancel(ctx), session.ID)
		return storage.Session{}, fmt.Errorf("store first page: %w", err)
	}
	s.logger.Debugf("listing created session=%s kind=%s query=%q rows=%d", session.ID, kind, query, len(page.Rows))
	return session, nil
}

// Extend fetches the page after more (the session's own key when empty) and
// appends it. An exhausted session is returned without a fetch.
func (s *Store) Extend(ctx context.Context, sessionID, more string) (*Cursor, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("extend session %s: %w", sessionID, err)
	}
	if more == "" {
		more = session.More
	}
	if more == "" {
		return s.cursor(ctx, session)
	}
	page, err := s.fetch(ctx, session.Account, session.Kind, session.Query, more)
	if err != nil {
		return nil, err
	}
	session, err = s.store.AppendRows(ctx, sessionID, page.More, page.Rows)
	if err != nil {
		return nil, fmt.Errorf("store page: %w", err)
	}
	s.logger.Debugf("listing extended session=%s pages=%d rows=%d", session.ID, session.Pages, len(page.Rows))
	return s.cursor(ctx, session)
}

// Expire deletes every session created before cutoff with its rows and
// forgets the expired sessions no cursor holds.
func (s *Store) Expire(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil || n == 0 {
		return n, err
	}
	s.mu.Lock()
	idle := make([]string, 0, len(s.sessions))
	for id, r := range s.sessions {
		if r.open == 0 && !r.deleting {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		if _, err := s.store.Session(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			continue
		}
		s.mu.Lock()
		if r, ok := s.sessions[id]; ok && r.open == 0 && !r.deleting {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Reply queues a reply written from the row at position and shows it in
// the session right away as a placeholder.
func (s *Store) Reply(ctx context.Context, sessionID string, position int, body string) (storage.PendingAction, storage.SessionRow, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return storage.PendingAction{}, storage.SessionRow{}, fmt.Errorf("reply in session %s: %w", sessionID, err)
	}
	rows, err := s.store.SessionRows(ctx, sessionID)
	if err != nil {
		return storage.PendingAction{}, storage.SessionRow{}, err
	}
	if len(rows) == 0 {
		return storage.PendingAction{}, storage.SessionRow{}, fmt.Errorf("%w: session %s has nothing to reply to", storage.ErrInvalidAction, sessionID)
	}
	if position < 0 || position >= len(rows) {
		position = 0
	}

	nodes := make([]merge.Node, len(rows))
	for i, row := range rows {
		nodes[i] = merge.Node{Nesting: row.Nesting, Sequence: row.Sequence}
	}
	placement := merge.PlaceReply(nodes, position)
	parent := rows[position]

	localID := LocalIDPrefix + uuid.NewString()
	row := storage.SessionRow{
		SessionID:   sessionID,
		Sequence:    placement.Sequence,
		Nesting:     placement.Nesting,
		Placeholder: true,
		Record: storage.Record{
			ThingID:    localID,
			Kind:       storage.ThingComment,
			Subreddit:  parent.Subreddit,
			Author:     session.Account,
			Body:       body,
			Score:      1,
			Ups:        1,
			Likes:      1,
			CreatedUTC: s.now().Unix(),
		},
	}
	action, err := s.store.InsertReply(ctx, row, storage.PendingAction{
		Account: session.Account,
		ThingID: localID,
		Kind:    storage.KindComment,
		Value: storage.ActionValue{
			CommentOp: storage.CommentInsert,
			ParentID:  parent.ThingID,
			Body:      body,
			SessionID: sessionID,
		},
	})
	if err != nil {
		return storage.PendingAction{}, storage.SessionRow{}, err
	}
	row.Pending.Comment = &action
	return action, row, nil
}

func (s *Store) fetch(ctx context.Context, account, kind, query, more string) (remote.Page, error) {
	var creds auth.Credentials
	if account != "" {
		var err error
		creds, err = s.creds.Credentials(ctx, account)
		if err != nil {
			return remote.Page{}, err
		}
	}
	page, err := s.fetcher.FetchListing(ctx, creds, kind, query, more, s.pageSize)
	if err != nil {
		return remote.Page{}, fmt.Errorf("fetch %s listing: %w", kind, err)
	}
	return page, nil
}

// cursor takes a reference on the session before reading its rows, so no
// cleanup can start under the new cursor.
func (s *Store) cursor(ctx context.Context, session storage.Session) (*Cursor, error) {
	s.mu.Lock()
	r, ok := s.sessions[session.ID]
	if ok && r.deleting {
		s.mu.Unlock()
		return nil, errSessionGone
	}
	if !ok {
		r = &refs{}
		s.sessions[session.ID] = r
	}
	r.open++
	s.mu.Unlock()

	rows, err := s.store.SessionRows(ctx, session.ID)
	if err != nil {
		s.unref(session.ID)
		return nil, err
	}
	return &Cursor{owner: s, session: session, rows: rows}, nil
}

// unref drops a reference that never reached a caller.
func (s *Store) unref(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	r.open--
	if r.open <= 0 && !r.retained && !r.deleting {
		delete(s.sessions, sessionID)
	}
}

func (s *Store) retain(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[sessionID]; ok {
		r.retained = true
	}
}

// release drops one cursor reference. The last release of an unretained
// session deletes it in the background; the session stays marked until the
// delete is done.
func (s *Store) release(sessionID string) {
	s.mu.Lock()
	r, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.open--
	if r.open > 0 || r.retained || r.deleting {
		s.mu.Unlock()
		return
	}
	r.deleting = true
	s.mu.Unlock()

	s.cleanup.Add(1)
	go func() {
		defer s.cleanup.Done()
		defer s.forget(sessionID, r)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.DeleteSession(ctx, sessionID); err != nil {
			s.logger.Errorf("listing cleanup session=%s: %v", sessionID, err)
			return
		}
		s.logger.Debugf("listing released session=%s", sessionID)
	}()
}

func (s *Store) forget(sessionID string, r *refs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sessionID] == r {
		delete(s.sessions, sessionID)
	}
}

// Wait blocks until every background cleanup has finished.
func (s *Store) Wait() {
	s.cleanup.Wait()
}
