package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// MinSecretLength is the smallest accepted HS256 key, in bytes.
	MinSecretLength = 32

	defaultIssuer     = "qazna-identity"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims are the JWT claims of both token kinds. The subject is the
// username; UserID pins the token to one account so a later rename cannot
// hand it to whoever takes the name. Refresh tokens carry a random ID so two
// tokens minted in the same second never collide.
type Claims struct {
	TokenType string `json:"typ"`
	UserID    string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Token is a signed token and the expiry encoded in it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies HS256 tokens. It is immutable after
// construction and safe for concurrent use.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures TokenIssuer.
type IssuerOption func(*TokenIssuer) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) IssuerOption {
	return func(i *TokenIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			i.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTLs sets access and refresh lifetimes. Refresh must outlive access.
func WithTokenTTLs(access, refresh time.Duration) IssuerOption {
	return func(i *TokenIssuer) error {
		if access <= 0 || refresh <= 0 {
			return fmt.Errorf("%w: token ttl must be greater than zero", ErrInvalidInput)
		}
		if refresh <= access {
			return fmt.Errorf("%w: refresh ttl must exceed access ttl", ErrInvalidInput)
		}
		i.accessTTL = access
		i.refreshTTL = refresh
		return nil
	}
}

// WithIssuerClock overrides the time source.
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *TokenIssuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

func NewTokenIssuer(secret []byte, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", ErrInvalidInput, MinSecretLength)
	}
	i := &TokenIssuer{
		secret:     append([]byte(nil), secret...),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

func (i *TokenIssuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccess signs a short-lived access token for user.
func (i *TokenIssuer) IssueAccess(user User) (Token, error) {
	return i.sign(user, TokenTypeAccess, i.accessTTL, "")
}

// IssueRefresh signs a refresh token for user.
func (i *TokenIssuer) IssueRefresh(user User) (Token, error) {
	return i.sign(user, TokenTypeRefresh, i.refreshTTL, uuid.NewString())
}

func (i *TokenIssuer) sign(user User, kind string, ttl time.Duration, jti string) (Token, error) {
	subject := strings.TrimSpace(user.Username)
	if subject == "" {
		return Token{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	now := i.now().UTC()
	claims := Claims{
		TokenType: kind,
		UserID:    user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks signature, algorithm, issuer and expiry of any token kind.
// Expired tokens with a valid signature yield ErrTokenExpired; every other
// failure yields ErrInvalidToken.
func (i *TokenIssuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAccess is Verify restricted to access tokens.
func (i *TokenIssuer) VerifyAccess(raw string) (*Claims, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// KeyedHash is the at-rest form of a refresh token: hex(HMAC-SHA256(secret, raw)).
func (i *TokenIssuer) KeyedHash(raw string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
