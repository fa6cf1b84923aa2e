package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/go-relay/internal/webhook"
)

// handleWebhook feeds a provider request through the ingress pipeline.
// Errors leave here as fixed messages; the detail is only logged.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	res, err := s.cfg.Ingress.Handle(r.Context(), provider, r.Header, body)
	if err != nil {
		var authErr *webhook.AuthenticationError
		var valErr *webhook.ValidationError
		switch {
		case errors.As(err, &authErr):
			writeError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed")
		case errors.As(err, &valErr):
			writeError(w, http.StatusBadRequest, "invalid_payload", "payload does not match the provider schema")
		case errors.Is(err, webhook.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider")
		default:
			s.logger.Error("webhook failed", "provider", provider, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
		return
	}

	// Slack expects the bare challenge back during URL verification.
	if res.Challenge != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, res.Challenge)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
