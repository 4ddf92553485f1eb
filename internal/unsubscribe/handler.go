package unsubscribe

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskgarden/mailqueue/internal/pkg/httputil"
)

// Handler handles the unsubscribe link endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new unsubscribe handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers unsubscribe routes. These are public: the token
// value is the only credential.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/unsubscribe/{token}", h.Lookup)
	r.Post("/unsubscribe/{token}", h.Consume)
}

// Lookup handles GET /unsubscribe/{token}. It confirms the token exists
// without consuming it, so a mail client prefetching the link does not
// opt the user out.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "token")

	token, err := h.manager.Lookup(r.Context(), value)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			httputil.Error(w, http.StatusNotFound, "unknown unsubscribe token")
			return
		}
		httputil.Error(w, http.StatusServiceUnavailable, "failed to look up token")
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"event_type": token.EventType,
		"used":       token.UsedAt != nil,
	})
}

// Consume handles POST /unsubscribe/{token} and marks the token used.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "token")

	token, err := h.manager.Consume(r.Context(), value)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenNotFound):
			httputil.Error(w, http.StatusNotFound, "unknown unsubscribe token")
		case errors.Is(err, ErrTokenUsed):
			httputil.Error(w, http.StatusConflict, "token already used")
		default:
			httputil.Error(w, http.StatusServiceUnavailable, "failed to unsubscribe")
		}
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"event_type": token.EventType,
		"used":       true,
	})
}
