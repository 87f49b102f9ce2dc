package session

import (
	"errors"
	"strings"

	"github.com/eliaswynn/voxbridge/internal/config"
	"github.com/eliaswynn/voxbridge/internal/protocol"
)

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrTokenNotAllowed = errors.New("token not allowed")
)

// Authenticate validates a hello frame against the token policy and builds
// the session on success. No session is created on failure; the connection
// handler closes the socket without registering anything.
func Authenticate(hello protocol.Hello, cfg config.Config) (*Session, error) {
	if cfg.RequireToken {
		token := strings.TrimSpace(strings.TrimPrefix(hello.Authorization, "Bearer "))
		if token == "" {
			return nil, ErrMissingToken
		}
		if !cfg.TokenAllowed(token) {
			return nil, ErrTokenNotAllowed
		}
	}

	deviceID := hello.DeviceID
	if deviceID == "" {
		deviceID = "unknown"
	}
	return New(deviceID, hello.ClientID), nil
}
