package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// CredentialVerifier checks a username/password pair against stored hashes.
type CredentialVerifier struct {
	users     UserStore
	hasher    *PasswordHasher
	pool      *HashPool
	dummyHash string
}

// NewCredentialVerifier prepares a verifier. The dummy hash used for unknown
// usernames is computed once here with the same hasher as real accounts.
func NewCredentialVerifier(users UserStore, hasher *PasswordHasher, pool *HashPool) (*CredentialVerifier, error) {
	if users == nil || hasher == nil || pool == nil {
		return nil, errors.New("auth: credential verifier dependencies are required")
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := hasher.Hash(hex.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	return &CredentialVerifier{users: users, hasher: hasher, pool: pool, dummyHash: dummy}, nil
}

// Verify returns the user when password matches. Unknown usernames and wrong
// passwords both yield ErrInvalidCredentials after a full hash comparison.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)

	encoded := v.dummyHash
	found := false
	user, err := v.users.UserByUsername(ctx, username)
	switch {
	case err == nil:
		encoded = user.PasswordHash
		found = true
	case errors.Is(err, ErrNotFound):
	default:
		return User{}, err
	}

	var (
		match     bool
		verifyErr error
	)
	if err := v.pool.Do(ctx, func() {
		match, verifyErr = v.hasher.Verify(encoded, password)
	}); err != nil {
		return User{}, err
	}
	if !found || verifyErr != nil || !match {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}
