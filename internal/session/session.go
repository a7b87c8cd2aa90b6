package session

import (
	"errors"
	"time"

	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/token"
)

// Domain errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountBlocked     = errors.New("account blocked")
	ErrNotVerified        = errors.New("account not verified")
	ErrTwoFactorRequired  = errors.New("two-factor code required")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSessionNotFound    = errors.New("session not found")
)

// LoginRequest carries password login input
type LoginRequest struct {
	Email         string
	Password      string
	DeviceInfo    string
	IPAddress     string
	TwoFactorCode string
}

func (r LoginRequest) device() token.DeviceMeta {
	return token.DeviceMeta{DeviceInfo: r.DeviceInfo, IPAddress: r.IPAddress}
}

// Result is returned by every operation that starts or extends a session
type Result struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
	User             *identity.User
}

func newResult(pair *token.TokenPair, user *identity.User) *Result {
	return &Result{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		SessionID:        pair.SessionID,
		User:             user,
	}
}

// SessionInfo describes one active session. A session is one live refresh
// token.
type SessionInfo struct {
	ID         string    `json:"id"`
	DeviceInfo string    `json:"device_info"`
	IPAddress  string    `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
