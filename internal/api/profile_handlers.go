package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
)

const profileTimeout = 3 * time.Second

// ProfileHandler exposes read-only profile endpoints.
type ProfileHandler struct {
	store   crawler.FrontierStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewProfileHandler wires the store and logger.
func NewProfileHandler(store crawler.FrontierStore, logger *zap.Logger) *ProfileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileHandler{
		store:   store,
		timeout: profileTimeout,
		logger:  logger,
	}
}

// GetProfile handles GET /v1/profiles/{login}. The login is matched
// case-insensitively. It returns the stored profile, 404 when the login is
// not in the frontier, or 500 for store errors.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	login := crawler.NormalizeLogin(chi.URLParam(r, "login"))
	if login == "" {
		writeError(w, http.StatusBadRequest, "login is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	profile, err := h.store.GetProfile(ctx, login)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		h.logger.Error("get profile failed", zap.String("login", login), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
