package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrTokenNotFound       = errors.New("auth: refresh token not found")
	ErrDuplicateName       = errors.New("auth: name already exists")
	ErrPermissionNotFound  = errors.New("auth: permission not found")
	ErrRoleNotFound        = errors.New("auth: role not found")
	ErrReferentialConflict = errors.New("auth: resource is still referenced")
	ErrNotFound            = errors.New("auth: not found")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrForbidden           = errors.New("auth: forbidden")
)

// ErrUserNotFound is reported for unknown user ids; errors.Is(err, ErrNotFound) holds.
var ErrUserNotFound = fmt.Errorf("%w: user", ErrNotFound)
