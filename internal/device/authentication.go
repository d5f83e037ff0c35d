package device

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrUnauthorized = errors.New("device unauthorized")
)

// Credentials are what a device presents when it checks for updates.
type Credentials struct {
	DeviceID string
	Secret   string
}

// Authenticator decides whether a device may use the OTA endpoints.
// Returns nil if the device is accepted, error otherwise.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) error
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) error {
	return f(ctx, creds)
}

// NoopAuthenticator accepts every device. Device secrets are not validated.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(context.Context, Credentials) error {
	return nil
}
