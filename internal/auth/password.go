package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	SchemeArgon2id = "argon2id"
	SchemeBcrypt   = "bcrypt"
)

var errMalformedHash = errors.New("auth: malformed password hash")

// Argon2Params tunes argon2id cost.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params matches the production cost profile.
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// PasswordHasher produces new hashes with the configured scheme and verifies
// both argon2id PHC strings and bcrypt hashes.
type PasswordHasher struct {
	scheme     string
	argon      Argon2Params
	bcryptCost int
}

// HasherOption configures PasswordHasher.
type HasherOption func(*PasswordHasher) error

// WithScheme selects the scheme used for new hashes.
func WithScheme(scheme string) HasherOption {
	return func(h *PasswordHasher) error {
		scheme = strings.TrimSpace(strings.ToLower(scheme))
		switch scheme {
		case "":
			return nil
		case SchemeArgon2id, SchemeBcrypt:
			h.scheme = scheme
			return nil
		default:
			return fmt.Errorf("%w: unsupported password scheme %q", ErrInvalidInput, scheme)
		}
	}
}

// WithArgon2Params overrides argon2id cost parameters.
func WithArgon2Params(p Argon2Params) HasherOption {
	return func(h *PasswordHasher) error {
		if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.SaltLength == 0 || p.KeyLength == 0 {
			return fmt.Errorf("%w: argon2 parameters must be positive", ErrInvalidInput)
		}
		h.argon = p
		return nil
	}
}

// WithBcryptCost sets the bcrypt work factor.
func WithBcryptCost(cost int) HasherOption {
	return func(h *PasswordHasher) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%w: bcrypt cost out of range", ErrInvalidInput)
		}
		h.bcryptCost = cost
		return nil
	}
}

func NewPasswordHasher(opts ...HasherOption) (*PasswordHasher, error) {
	h := &PasswordHasher{
		scheme:     SchemeArgon2id,
		argon:      DefaultArgon2Params,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Hash returns an encoded hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if h.scheme == SchemeBcrypt {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	}

	p := h.argon
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. A malformed hash is an error.
func (h *PasswordHasher) Verify(encoded, password string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2id(encoded, password)
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", errMalformedHash, err)
		}
		return true, nil
	default:
		return false, errMalformedHash
	}
}

func verifyArgon2id(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errMalformedHash
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return false, errMalformedHash
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return false, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return false, errMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, errMalformedHash
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
