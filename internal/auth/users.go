package auth

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 64
	minPasswordLength = 8
	maxPasswordLength = 128
)

// UserDetails is a user together with its resolved permissions.
type UserDetails struct {
	User
	Permissions []string `json:"permissions"`
}

// CreateUser registers an account. Without explicit roles the user gets ROLE_USER.
func (s *Service) CreateUser(ctx context.Context, username, password string, roleNames []string) (User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return User{}, err
	}
	if err := checkPassword(password); err != nil {
		return User{}, err
	}
	roles := dedupeStrings(roleNames)
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	hash, err := s.hashPassword(ctx, password)
	if err != nil {
		return User{}, err
	}
	user, err := s.store.CreateUser(ctx, username, hash, roles)
	if err != nil {
		return User{}, err
	}
	s.logger.Info("user created", zap.String("user_id", user.ID), zap.Strings("roles", user.Roles))
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// User returns the user with its current effective permissions.
func (s *Service) User(ctx context.Context, userID string) (UserDetails, error) {
	userID, err := normalizeID("user_id", userID, ErrUserNotFound)
	if err != nil {
		return UserDetails{}, err
	}
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return UserDetails{}, err
	}
	perms, err := s.rbac.ResolvePermissions(ctx, user.ID)
	if err != nil {
		return UserDetails{}, err
	}
	return UserDetails{User: user, Permissions: perms.Names()}, nil
}

// UpdateUser changes username and/or password. A password change revokes the
// user's refresh token.
func (s *Service) UpdateUser(ctx context.Context, userID string, upd UserUpdate) (User, error) {
	userID, err := normalizeID("user_id", userID, ErrUserNotFound)
	if err != nil {
		return User{}, err
	}
	if upd.Username != nil {
		name, err := normalizeUsername(*upd.Username)
		if err != nil {
			return User{}, err
		}
		upd.Username = &name
	}
	if upd.Password != nil {
		if err := checkPassword(*upd.Password); err != nil {
			return User{}, err
		}
		hash, err := s.hashPassword(ctx, *upd.Password)
		if err != nil {
			return User{}, err
		}
		upd.Password = &hash
	}
	user, err := s.store.UpdateUser(ctx, userID, upd)
	if err != nil {
		return User{}, err
	}
	if upd.Password != nil || upd.Username != nil {
		if err := s.tokens.Revoke(ctx, user.ID); err != nil {
			return User{}, err
		}
	}
	return user, nil
}

// DeleteUser removes the account and its refresh record.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	userID, err := normalizeID("user_id", userID, ErrUserNotFound)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	return s.tokens.Revoke(ctx, userID)
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	n := utf8.RuneCountInString(username)
	if n < minUsernameLength || n > maxUsernameLength {
		return "", fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLength, maxUsernameLength)
	}
	return username, nil
}

func checkPassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength || n > maxPasswordLength {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidInput, minPasswordLength, maxPasswordLength)
	}
	return nil
}
