// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/session"
	"github.com/opentrusty/taskhub/internal/token"
)

// OAuthStart redirects the browser to the provider's consent page
// @Summary Start OAuth sign-in
// @Tags OAuth
// @Param provider path string true "Provider name"
// @Param redirect query string false "Same-site path to return to"
// @Success 302
// @Failure 404 {object} map[string]string
// @Router /auth/oauth/{provider}/start [get]
func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	authURL, ok := h.beginOAuth(w, r, provider, "", r.URL.Query().Get("redirect"))
	if !ok {
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthLinkRequest selects where the browser returns after linking
type OAuthLinkRequest struct {
	Redirect string `json:"redirect"`
}

// OAuthLink starts linking a provider to the authenticated account. The
// client navigates to the returned URL.
// @Summary Link OAuth provider
// @Tags OAuth
// @Produce json
// @Security BearerAuth
// @Param provider path string true "Provider name"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /auth/oauth/{provider}/link [post]
func (h *Handler) OAuthLink(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req OAuthLinkRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	authURL, ok := h.beginOAuth(w, r, provider, GetUserID(r.Context()), req.Redirect)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

func (h *Handler) beginOAuth(w http.ResponseWriter, r *http.Request, provider, userID, redirect string) (string, bool) {
	if h.flow == nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return "", false
	}

	authURL, err := h.flow.Begin(r.Context(), provider, userID, redirect)
	if err != nil {
		if errors.Is(err, oauth.ErrProviderNotFound) {
			respondError(w, http.StatusNotFound, "unknown provider")
			return "", false
		}
		slog.ErrorContext(r.Context(), "failed to start oauth flow",
			logger.Provider(provider),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "failed to start sign-in")
		return "", false
	}

	return authURL, true
}

// OAuthCallback completes the provider round trip. A sign-in sets the
// refresh cookie; the client then obtains an access token from
// /auth/refresh.
// @Summary OAuth callback
// @Tags OAuth
// @Param provider path string true "Provider name"
// @Param state query string true "State"
// @Param code query string true "Authorization code"
// @Success 302
// @Failure 400 {object} map[string]string
// @Router /auth/oauth/{provider}/callback [get]
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	if h.flow == nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if e := q.Get("error"); e != "" {
		slog.InfoContext(r.Context(), "provider denied authorization",
			logger.Provider(provider),
			logger.String("provider_error", e),
		)
		respondError(w, http.StatusBadRequest, "authorization denied")
		return
	}

	done, err := h.flow.Complete(r.Context(), provider, q.Get("state"), q.Get("code"))
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrProviderNotFound):
			respondError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, oauth.ErrStateInvalid):
			respondError(w, http.StatusBadRequest, "invalid or expired state")
		case errors.Is(err, oauth.ErrEmailRequired):
			respondError(w, http.StatusBadRequest, "provider did not return an email address")
		default:
			slog.ErrorContext(r.Context(), "oauth callback failed",
				logger.Provider(provider),
				logger.Error(err),
			)
			respondError(w, http.StatusBadGateway, "sign-in with provider failed")
		}
		return
	}

	if done.Linked {
		http.Redirect(w, r, done.RedirectPath, http.StatusFound)
		return
	}

	res, err := h.sessions.LoginWithIdentity(r.Context(), done.User, token.DeviceMeta{
		DeviceInfo: deviceInfo(r, ""),
		IPAddress:  getClientIP(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAccountBlocked):
			respondError(w, http.StatusForbidden, "account blocked")
		case errors.Is(err, session.ErrNotVerified):
			respondError(w, http.StatusForbidden, "account not verified")
		default:
			slog.ErrorContext(r.Context(), "oauth login failed",
				logger.Provider(provider),
				logger.UserID(done.User.ID),
				logger.Error(err),
			)
			respondError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	slog.InfoContext(r.Context(), "oauth sign-in completed",
		logger.Provider(provider),
		logger.UserID(done.User.ID),
		logger.RedirectPath(done.RedirectPath),
	)
	setRefreshCookie(w, h.cookies, res.RefreshToken, res.RefreshExpiresAt)
	http.Redirect(w, r, done.RedirectPath, http.StatusFound)
}
