package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrSessionNotFound  = errors.New("auth: session not found")
	ErrOAuthExchange    = errors.New("auth: oauth code exchange failed")
	ErrDirectoryQuery   = errors.New("auth: directory query failed")

	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrTokenInvalid)
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrTokenInvalid)
)

// IsSessionError reports whether err means the caller has no usable session.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrSessionNotFound)
}
