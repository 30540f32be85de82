package chatsync

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// InspectHandler serves a read-only JSON view of a ledger, used by the CLI's
// watch command for local debugging.
type InspectHandler struct {
	ledger   *Ledger
	realtime *Realtime
}

// NewInspectHandler builds the router. realtime may be nil.
func NewInspectHandler(ledger *Ledger, realtime *Realtime) http.Handler {
	h := &InspectHandler{ledger: ledger, realtime: realtime}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

func (h *InspectHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/unread", h.handleUnread)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Get("/{id}", h.handleGetSession)
		r.Get("/{id}/messages", h.handleMessages)
		r.Get("/{id}/typing", h.handleTyping)
	})
}

func (h *InspectHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := StateDisconnected
	if h.realtime != nil {
		state = h.realtime.State()
	}
	me, _ := h.ledger.CurrentUserID()
	active, _ := h.ledger.ActiveSession()
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":        me,
		"state":          state,
		"active_session": active,
	})
}

func (h *InspectHandler) handleUnread(w http.ResponseWriter, r *http.Request) {
	sessions := h.ledger.Sessions()
	per := make(map[string]int, len(sessions))
	total := 0
	for _, s := range sessions {
		per[s.ID] = s.UnreadCount
		total += s.UnreadCount
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"sessions": per,
	})
}

func (h *InspectHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ledger.Sessions())
}

func (h *InspectHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ledger.Session(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *InspectHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.ledger.Session(id); !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, h.ledger.MessagesOf(id))
}

func (h *InspectHandler) handleTyping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"typing":          h.ledger.Typing().TypingUsers(id),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
