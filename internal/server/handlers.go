package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/leadflowhq/wagate/internal/session"
)

// CreateSessionRequest for POST /api/sessions. The id is optional; one is
// generated when omitted.
type CreateSessionRequest struct {
	ID string `json:"id"`
}

// SendMessageRequest for POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleSessions handles GET /api/sessions and POST /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.registry.List()
		infos := make([]session.Info, len(sessions))
		for i, sess := range sessions {
			infos[i] = sess.Status()
		}
		writeJSON(w, http.StatusOK, infos)

	case http.MethodPost:
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		sess, err := s.registry.GetOrCreate(req.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sess.Status())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionRoutes dispatches /api/sessions/{id}[/...] paths.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if parts[0] == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		s.handleSessionByID(w, r, id)
	case len(parts) == 2 && parts[1] == "qr":
		s.handleSessionQR(w, r, id)
	case len(parts) == 2 && parts[1] == "chats":
		s.handleSessionChats(w, r, id)
	case len(parts) == 2 && parts[1] == "messages":
		s.handleSendMessage(w, r, id)
	case len(parts) == 4 && parts[1] == "chats" && parts[3] == "messages":
		s.handleChatMessages(w, r, id, parts[2])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleSessionByID handles POST/GET/DELETE /api/sessions/{id}. POST is
// create-or-status: it returns the existing session when the id is known.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		sess, err := s.registry.GetOrCreate(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sess.Status())

	case http.MethodGet:
		sess, err := s.registry.Get(id)
		if err != nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sess.Status())

	case http.MethodDelete:
		if err := s.registry.Remove(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionQR handles GET /api/sessions/{id}/qr. Returns the pending
// pairing challenge rendered as a PNG data URL.
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	code := sess.PairingCode()
	if code == "" {
		http.Error(w, "No pairing challenge pending", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code": code,
		"qr":   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	})
}

// handleSessionChats handles GET /api/sessions/{id}/chats.
func (s *Server) handleSessionChats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", 0)
	writeJSON(w, http.StatusOK, sess.Cache().ListChats(limit))
}

// handleChatMessages handles GET /api/sessions/{id}/chats/{key}/messages.
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, id, key string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", 50)
	before := int64(queryInt(r, "before", 0))
	writeJSON(w, http.StatusOK, sess.Cache().ListMessages(key, limit, before))
}

// handleSendMessage handles POST /api/sessions/{id}/messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Text == "" {
		http.Error(w, "to and text are required", http.StatusBadRequest)
		return
	}

	msgID, err := sess.Send(r.Context(), req.To, req.Text)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": msgID})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
