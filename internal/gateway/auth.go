package gateway

import (
	"context"
	"encoding/json"
)

// AuthRequest is the client's "auth" payload.
type AuthRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	PlayerID string `json:"player_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
}

// AuthResult is the authenticator's verdict.
type AuthResult struct {
	OK       bool
	Message  string
	PlayerID string // authoritative player id, overrides the client's
}

// Authenticator validates credentials. Production deployments plug in a
// token service; the default implementation carries a development rule.
type Authenticator interface {
	Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error)
}

// OfflineMessageSource supplies messages queued while the user was away,
// delivered inside the auth response. The default source returns none.
type OfflineMessageSource interface {
	Fetch(ctx context.Context, userID string) ([]json.RawMessage, error)
}

// DevAuthenticator accepts any non-empty user id with a token of at least
// eight characters. Development only.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(_ context.Context, req AuthRequest) (AuthResult, error) {
	if req.UserID == "" || len(req.Token) < 8 {
		return AuthResult{OK: false, Message: "invalid credentials"}, nil
	}
	playerID := req.PlayerID
	if playerID == "" {
		playerID = req.UserID
	}
	return AuthResult{OK: true, PlayerID: playerID}, nil
}

// NoOfflineMessages is the default OfflineMessageSource.
type NoOfflineMessages struct{}

func (NoOfflineMessages) Fetch(context.Context, string) ([]json.RawMessage, error) {
	return nil, nil
}
