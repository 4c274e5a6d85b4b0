package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"subsync/client/internal/auth"
	"subsync/client/internal/client"
	"subsync/client/internal/listing"
	"subsync/client/internal/logging"
	"subsync/client/internal/merge"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

type rowResponse struct {
	Sequence int64 `json:"sequence"`
	Nesting  int   `json:"nesting"`
	merge.View
}

// Server exposes the client over HTTP. Listings opened through the API stay
// open between requests until closed or the server shuts down.
type Server struct {
	client *client.Client
	logger *logging.Logger

	mu      sync.Mutex
	cursors map[string]*listing.Cursor
}

func NewServer(c *client.Client, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{client: c, logger: logger, cursors: make(map[string]*listing.Cursor)}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/actions", s.handleSubmitAction)
	mux.HandleFunc("/comments/reply", s.handleReply)
	mux.HandleFunc("/things", s.handleThing)
	mux.HandleFunc("/listings", s.handleOpenListing)
	mux.HandleFunc("/listings/more", s.handleLoadMore)
	mux.HandleFunc("/listings/close", s.handleCloseListing)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/healthz", handleHealthz)
}

// Close releases every listing still held open.
func (s *Server) Close() {
	s.mu.Lock()
	cursors := s.cursors
	s.cursors = make(map[string]*listing.Cursor)
	s.mu.Unlock()
	for _, cursor := range cursors {
		_ = cursor.Close()
	}
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var payload struct {
		ThingID string              `json:"thingId"`
		Kind    storage.ActionKind  `json:"kind"`
		Value   storage.ActionValue `json:"value"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.logger.Debugf("submit action decode error: %v", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	action, err := s.client.SubmitPendingAction(r.Context(), storage.PendingAction{
		Account: account,
		ThingID: payload.ThingID,
		Kind:    payload.Kind,
		Value:   payload.Value,
	})
	if err != nil {
		s.writeFailure(w, "submit action", err)
		return
	}
	writeJSON(w, http.StatusAccepted, jsonResponse{"action": action})
}

func (s *Server) handleThing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	thingID := r.URL.Query().Get("id")
	if thingID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id is required"})
		return
	}
	view, err := s.client.ReadMergedRecord(r.Context(), account, thingID)
	if err != nil {
		s.writeFailure(w, "read thing", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOpenListing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var payload struct {
		Kind      string `json:"kind"`
		Query     string `json:"query"`
		SessionID string `json:"sessionId"`
		Retain    bool   `json:"retain"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SessionID != "" {
		session, err := s.client.Session(r.Context(), payload.SessionID)
		if err != nil || session.Account != account {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "listing not found"})
			return
		}
	}
	cursor, err := s.client.OpenListing(r.Context(), account, payload.Kind, payload.Query, payload.SessionID)
	if err != nil {
		s.writeFailure(w, "open listing", err)
		return
	}
	if payload.Retain {
		cursor.Retain()
	}
	s.hold(cursor)
	writeJSON(w, http.StatusOK, listingPayload(cursor))
}

func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.held(account, payload.SessionID); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "listing is not open"})
		return
	}
	cursor, err := s.client.LoadMore(r.Context(), payload.SessionID)
	if err != nil {
		s.writeFailure(w, "load more", err)
		return
	}
	s.hold(cursor)
	writeJSON(w, http.StatusOK, listingPayload(cursor))
}

func (s *Server) handleCloseListing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var payload struct {
		SessionID string `json:"sessionId"`
		Retain    bool   `json:"retain"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cursor, ok := s.held(account, payload.SessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "listing is not open"})
		return
	}
	s.mu.Lock()
	if s.cursors[payload.SessionID] == cursor {
		delete(s.cursors, payload.SessionID)
	}
	s.mu.Unlock()
	if payload.Retain {
		cursor.Retain()
	}
	_ = cursor.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var payload struct {
		SessionID string `json:"sessionId"`
		Position  int    `json:"position"`
		Body      string `json:"body"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.held(account, payload.SessionID); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "listing is not open"})
		return
	}
	action, view, err := s.client.Reply(r.Context(), payload.SessionID, payload.Position, payload.Body)
	if err != nil {
		s.writeFailure(w, "reply", err)
		return
	}
	writeJSON(w, http.StatusAccepted, jsonResponse{"action": action, "row": view})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		report, err := s.client.RunSync(r.Context(), account)
		if err != nil {
			s.logger.Errorf("sync run error account=%s: %v", account, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	if !s.client.TriggerSync(account) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "sync queue is full"})
		return
	}
	writeJSON(w, http.StatusAccepted, jsonResponse{"queued": true})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	pending, err := s.client.Pending(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	response := jsonResponse{"account": account, "pending": pending}
	for _, status := range s.client.SyncStatus() {
		if status.Account == account {
			response["status"] = status
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// hold keeps cursor as the open handle of its session, releasing the
// handle it replaces.
func (s *Server) hold(cursor *listing.Cursor) {
	s.mu.Lock()
	previous := s.cursors[cursor.SessionID()]
	s.cursors[cursor.SessionID()] = cursor
	s.mu.Unlock()
	if previous != nil && previous != cursor {
		_ = previous.Close()
	}
}

func (s *Server) held(account, sessionID string) (*listing.Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[sessionID]
	if !ok || cursor.Session().Account != account {
		return nil, false
	}
	return cursor, true
}

func listingPayload(cursor *listing.Cursor) jsonResponse {
	rows := make([]rowResponse, 0, cursor.Len())
	for i, view := range cursor.All() {
		row := cursor.Rows()[i]
		rows = append(rows, rowResponse{Sequence: row.Sequence, Nesting: row.Nesting, View: view})
	}
	return jsonResponse{
		"sessionId": cursor.SessionID(),
		"kind":      cursor.Session().Kind,
		"more":      cursor.More(),
		"rows":      rows,
	}
}

func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not signed in"})
		return "", false
	}
	return account, true
}

// writeFailure maps local and remote errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	var rateLimit *remote.RateLimitError
	var netErr *remote.NetworkError
	var statusErr *remote.StatusError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrInvalidAction), errors.Is(err, listing.ErrUnknownKind), errors.Is(err, remote.ErrInvalidThing):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, auth.ErrNoCredentials):
		writeError(w, http.StatusForbidden, err)
	case errors.As(err, &rateLimit):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, remote.ErrUnauthorized), errors.As(err, &netErr), errors.As(err, &statusErr):
		s.logger.Warnf("%s upstream error: %v", op, err)
		writeError(w, http.StatusBadGateway, err)
	default:
		s.logger.Errorf("%s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
