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
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/observability/logger"
)

// CreateUserRequest represents account provisioning data
type CreateUserRequest struct {
	Email       string `json:"email" example:"user@example.com"`
	Username    string `json:"username" example:"jdoe"`
	DisplayName string `json:"display_name" example:"Jane Doe"`
	Password    string `json:"password" example:"Secret123!"`
	Role        string `json:"role" example:"User"`
}

// CreateUser provisions a verified password account
// @Summary Create user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateUserRequest true "User Data"
// @Success 201 {object} UserResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /users [post]
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.identityService.Register(r.Context(), identity.RegisterInput{
		Email:       req.Email,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrDuplicateEmail):
			respondError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, identity.ErrDuplicateUsername):
			respondError(w, http.StatusConflict, "username already taken")
		case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			slog.ErrorContext(r.Context(), "failed to create user", logger.Email(req.Email), logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to create user")
		}
		return
	}

	// Accounts created by an administrator skip email verification.
	if err := h.identityService.MarkVerified(r.Context(), user.ID); err != nil {
		slog.ErrorContext(r.Context(), "failed to verify user", logger.UserID(user.ID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	user.Verified = true

	if req.Role != "" {
		if err := h.resolver.AssignRoleAs(r.Context(), GetUserID(r.Context()), user.ID, req.Role); err != nil {
			if errors.Is(err, authz.ErrRoleNotFound) {
				respondError(w, http.StatusBadRequest, "role not found")
				return
			}
			slog.ErrorContext(r.Context(), "failed to assign role", logger.UserID(user.ID), logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to assign role")
			return
		}
	}

	respondJSON(w, http.StatusCreated, newUserResponse(user))
}

// BlockUser blocks an account. Its access tokens stop working on the next
// request and it cannot refresh or log in.
// @Summary Block user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /users/{userID}/block [put]
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// UnblockUser lifts a block
// @Summary Unblock user
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /users/{userID}/block [delete]
func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	actorID := GetUserID(r.Context())
	userID := chi.URLParam(r, "userID")

	if blocked && userID == actorID {
		respondError(w, http.StatusBadRequest, "cannot block yourself")
		return
	}

	if err := h.identityService.SetBlocked(r.Context(), actorID, userID, blocked); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to update user", logger.UserID(userID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	if blocked {
		if err := h.sessions.RevokeAllSessions(r.Context(), userID); err != nil {
			slog.ErrorContext(r.Context(), "failed to revoke sessions of blocked user",
				logger.UserID(userID),
				logger.Error(err),
			)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "blocked": blocked})
}

// AssignRoleRequest represents role assignment data
type AssignRoleRequest struct {
	Role string `json:"role" example:"Manager"`
}

// AssignRole grants a role to a user. Granting a role the user already
// holds succeeds without change.
// @Summary Assign Role
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param request body AssignRoleRequest true "Role Data"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /users/{userID}/roles [post]
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AssignRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		respondError(w, http.StatusBadRequest, "role is required")
		return
	}

	if _, err := h.identityService.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	if err := h.resolver.AssignRoleAs(r.Context(), GetUserID(r.Context()), userID, req.Role); err != nil {
		if errors.Is(err, authz.ErrRoleNotFound) {
			respondError(w, http.StatusNotFound, "role not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to assign role",
			logger.UserID(userID),
			logger.Role(req.Role),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "failed to assign role")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"user_id": userID,
		"role":    req.Role,
		"status":  "assigned",
	})
}

// RevokeRole handles revoking a role
// @Summary Revoke Role
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Param role path string true "Role"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /users/{userID}/roles/{role} [delete]
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	role := chi.URLParam(r, "role")

	if err := h.resolver.RevokeRole(r.Context(), GetUserID(r.Context()), userID, role); err != nil {
		if errors.Is(err, authz.ErrRoleNotFound) {
			respondError(w, http.StatusNotFound, "role not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to revoke role",
			logger.UserID(userID),
			logger.Role(role),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "failed to revoke role")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
