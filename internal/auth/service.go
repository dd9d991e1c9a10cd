package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const tokenTypeBearer = "Bearer"

// Service signs users in and rotates their refresh tokens.
type Service struct {
	store    Store
	tokens   TokenStore
	issuer   *TokenIssuer
	rbac     *RBACService
	verifier *CredentialVerifier
	hasher   *PasswordHasher
	pool     *HashPool
	logger   *zap.Logger
	now      func() time.Time
}

// TokenResponse is returned by sign-in and refresh.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresInMs  int64  `json:"expiresInMs"`
	RefreshToken string `json:"refreshToken"`
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenStore keeps refresh records outside the primary store.
func WithTokenStore(ts TokenStore) ServiceOption {
	return func(s *Service) error {
		if ts != nil {
			s.tokens = ts
		}
		return nil
	}
}

func WithPasswordHasher(h *PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

func WithHashPool(p *HashPool) ServiceOption {
	return func(s *Service) error {
		if p != nil {
			s.pool = p
		}
		return nil
	}
}

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService wires the credential verifier, issuer and stores together.
func NewService(store Store, issuer *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth store is required")
	}
	if issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	svc := &Service{
		store:  store,
		tokens: store,
		issuer: issuer,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		h, err := NewPasswordHasher()
		if err != nil {
			return nil, err
		}
		svc.hasher = h
	}
	if svc.pool == nil {
		svc.pool = NewHashPool(0)
	}
	verifier, err := NewCredentialVerifier(store, svc.hasher, svc.pool)
	if err != nil {
		return nil, err
	}
	svc.verifier = verifier
	rbac, err := NewRBACService(store, svc.logger)
	if err != nil {
		return nil, err
	}
	svc.rbac = rbac
	return svc, nil
}

// RBAC exposes the authorization model backed by the same store.
func (s *Service) RBAC() *RBACService { return s.rbac }

// HashPool exposes the password hashing pool for instrumentation.
func (s *Service) HashPool() *HashPool { return s.pool }

// SignIn verifies credentials, issues a token pair and makes the new refresh
// token the only valid one for the user.
func (s *Service) SignIn(ctx context.Context, username, password string) (TokenResponse, error) {
	user, err := s.verifier.Verify(ctx, username, password)
	if err != nil {
		return TokenResponse{}, err
	}
	resp, refresh, err := s.mint(user)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := s.tokens.Persist(ctx, user.ID, s.issuer.KeyedHash(refresh.Value), refresh.ExpiresAt); err != nil {
		return TokenResponse{}, err
	}
	s.logger.Debug("signed in", zap.String("user_id", user.ID))
	return resp, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// spent: a second use, or a use that loses a race, yields ErrTokenNotFound.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenResponse{}, ErrTokenNotFound
	}
	hash := s.issuer.KeyedHash(refreshToken)
	rec, err := s.tokens.LookupByHash(ctx, hash)
	if err != nil {
		return TokenResponse{}, err
	}

	if !s.now().Before(rec.ExpiresAt) {
		if err := s.tokens.Clear(ctx, rec.UserID, hash); err != nil && !errors.Is(err, ErrTokenNotFound) {
			return TokenResponse{}, err
		}
		s.logger.Info("expired refresh token cleared", zap.String("user_id", rec.UserID))
		return TokenResponse{}, ErrTokenExpired
	}

	user, err := s.store.UserByID(ctx, rec.UserID)
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, ErrTokenNotFound
	}
	if err != nil {
		return TokenResponse{}, err
	}

	resp, refresh, err := s.mint(user)
	if err != nil {
		return TokenResponse{}, err
	}
	err = s.tokens.Rotate(ctx, user.ID, hash, s.issuer.KeyedHash(refresh.Value), refresh.ExpiresAt)
	if errors.Is(err, ErrTokenNotFound) {
		s.logger.Warn("refresh token rotated concurrently", zap.String("user_id", user.ID))
		return TokenResponse{}, ErrTokenNotFound
	}
	if err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Logout invalidates the presented refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrTokenNotFound
	}
	hash := s.issuer.KeyedHash(refreshToken)
	rec, err := s.tokens.LookupByHash(ctx, hash)
	if err != nil {
		return err
	}
	return s.tokens.Clear(ctx, rec.UserID, hash)
}

// Authenticate verifies an access token and resolves the caller's current
// permissions.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.issuer.VerifyAccess(accessToken)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.store.UserByUsername(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrInvalidToken
	}
	if err != nil {
		return Principal{}, err
	}
	if claims.UserID == "" || claims.UserID != user.ID {
		s.logger.Warn("access token subject now names another account",
			zap.String("token_user_id", claims.UserID),
			zap.String("user_id", user.ID))
		return Principal{}, ErrInvalidToken
	}
	perms, err := s.rbac.ResolvePermissions(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: user, Permissions: perms}, nil
}

func (s *Service) mint(user User) (TokenResponse, Token, error) {
	access, err := s.issuer.IssueAccess(user)
	if err != nil {
		return TokenResponse{}, Token{}, err
	}
	refresh, err := s.issuer.IssueRefresh(user)
	if err != nil {
		return TokenResponse{}, Token{}, err
	}
	return TokenResponse{
		AccessToken:  access.Value,
		TokenType:    tokenTypeBearer,
		ExpiresInMs:  s.issuer.AccessTTL().Milliseconds(),
		RefreshToken: refresh.Value,
	}, refresh, nil
}

func (s *Service) hashPassword(ctx context.Context, password string) (string, error) {
	var (
		hash string
		err  error
	)
	if poolErr := s.pool.Do(ctx, func() { hash, err = s.hasher.Hash(password) }); poolErr != nil {
		return "", poolErr
	}
	return hash, err
}
