package service

import (
	"errors"
	"fmt"

	"meshid/api/internal/ca"
	"meshid/api/internal/mesh"
	"meshid/api/internal/repository"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenAlreadyUsed   = errors.New("token already used")
	ErrAgentUnavailable   = errors.New("mesh agent not available")
	ErrMeshNotFound       = errors.New("mesh not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidIdentity    = errors.New("invalid identity: not a PEM public key")
	ErrUserInactive       = errors.New("user account is not active")

	// ErrPendingActivation marks a login refused only because the account
	// has not been activated yet.
	ErrPendingActivation = errors.New("account is pending activation")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrPendingActivation, "pending_activation"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrUnauthorized, "unauthorized"},
	{ErrTokenExpired, "token_expired"},
	{ErrTokenInvalid, "token_invalid"},
	{ErrTokenAlreadyUsed, "token_already_used"},
	{ErrAgentUnavailable, "agent_unavailable"},
	{ErrMeshNotFound, "mesh_not_found"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrInvalidIdentity, "invalid_identity"},
	{ErrUserInactive, "user_inactive"},
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

// storeError maps credential store sentinels onto the service taxonomy.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrDeviceNotFound),
		errors.Is(err, repository.ErrCertificateNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: %s", ErrConflict, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// issuerError hides transport and crypto details behind the service
// taxonomy.
func issuerError(err error) error {
	switch {
	case errors.Is(err, mesh.ErrMeshNotFound):
		return fmt.Errorf("%w: %v", ErrMeshNotFound, err)
	case errors.Is(err, mesh.ErrAgentUnavailable):
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	case errors.Is(err, ca.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return fmt.Errorf("issue certificate: %w", err)
	}
}
