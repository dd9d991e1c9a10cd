package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qazna.org/identity/internal/auth"
)

func (s *Store) LookupByHash(ctx context.Context, hash string) (auth.RefreshRecord, error) {
	if s.db == nil {
		return auth.RefreshRecord{}, errDBUnavailable
	}
	rec := auth.RefreshRecord{Hash: hash}
	err := s.db.QueryRowContext(ctx, `
		select id, refresh_token_expiry
		from users
		where refresh_token_hash = $1
	`, hash).Scan(&rec.UserID, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshRecord{}, auth.ErrTokenNotFound
	}
	if err != nil {
		return auth.RefreshRecord{}, err
	}
	return rec, nil
}

func (s *Store) Persist(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set refresh_token_hash = $2, refresh_token_expiry = $3
		where id = $1
	`, userID, hash, expiresAt)
	return expectOne(res, err, auth.ErrUserNotFound)
}

// Rotate swaps the hash only while the stored one still equals oldHash, so
// of two racing refreshes exactly one update matches a row.
func (s *Store) Rotate(ctx context.Context, userID, oldHash, newHash string, expiresAt time.Time) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set refresh_token_hash = $3, refresh_token_expiry = $4
		where id = $1 and refresh_token_hash = $2
	`, userID, oldHash, newHash, expiresAt)
	return expectOne(res, err, auth.ErrTokenNotFound)
}

func (s *Store) Clear(ctx context.Context, userID, hash string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set refresh_token_hash = null, refresh_token_expiry = null
		where id = $1 and refresh_token_hash = $2
	`, userID, hash)
	return expectOne(res, err, auth.ErrTokenNotFound)
}

func (s *Store) Revoke(ctx context.Context, userID string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		update users
		set refresh_token_hash = null, refresh_token_expiry = null
		where id = $1
	`, userID)
	return err
}

func expectOne(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return none
	}
	return nil
}
