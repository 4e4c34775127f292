// Package session carries the caller identity explicitly through every
// remote call instead of reading it from ambient storage.
package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrMissingDevice = errors.New("device id is required")

// Session identifies one device/nickname pair. The app has no real auth;
// the device id is the opaque user identifier the backend scopes rows by.
type Session struct {
	DeviceID string
	Nickname string
}

// New returns a session for deviceID, generating one when empty.
func New(deviceID, nickname string) Session {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	return Session{DeviceID: deviceID, Nickname: strings.TrimSpace(nickname)}
}

// UserID is the key rows are scoped by.
func (s Session) UserID() string {
	return s.DeviceID
}

func (s Session) Validate() error {
	if s.DeviceID == "" {
		return ErrMissingDevice
	}
	return nil
}

type ctxKey struct{}

func WithContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
