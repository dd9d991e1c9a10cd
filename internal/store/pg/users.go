package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

const userSelect = `
	select u.id, u.username, u.password_hash, u.created_at, u.updated_at,
	       coalesce(string_agg(r.name, ',' order by r.name), '')
	from users u
	left join user_roles ur on ur.user_id = u.id
	left join roles r on r.id = ur.role_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u     auth.User
		roles string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt, &roles); err != nil {
		return auth.User{}, err
	}
	u.Roles = splitNames(roles)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, roleNames []string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	user := auth.User{ID: ids.New(), Username: username, PasswordHash: passwordHash}
	err = tx.QueryRowContext(ctx, `
		insert into users (id, username, password_hash)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, user.ID, username, passwordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return auth.User{}, fmt.Errorf("%w: username %s", auth.ErrDuplicateName, username)
		}
		return auth.User{}, err
	}
	if err := insertUserRoles(ctx, tx, user.ID, roleNames); err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	user.Roles = append([]string(nil), roleNames...)
	sort.Strings(user.Roles)
	return user, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, userSelect+`
		where u.username = $1
		group by u.id`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, err
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, userSelect+`
		where u.id = $1
		group by u.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, userSelect+`
		group by u.id
		order by u.username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Username != nil {
		setClauses = append(setClauses, fmt.Sprintf("username = $%d", idx))
		args = append(args, *upd.Username)
		idx++
	}
	if upd.Password != nil {
		setClauses = append(setClauses, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.Password)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if isPgCode(err, pgErrUniqueViolation) {
				return auth.User{}, fmt.Errorf("%w: username %s", auth.ErrDuplicateName, *upd.Username)
			}
			return auth.User{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return auth.User{}, err
		}
		if aff == 0 {
			return auth.User{}, auth.ErrUserNotFound
		}
	}
	return s.UserByID(ctx, id)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

func (s *Store) SetUserRoles(ctx context.Context, userID string, roleNames []string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from users where id = $1 for update`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return auth.User{}, err
	}
	if err := insertUserRoles(ctx, tx, userID, roleNames); err != nil {
		return auth.User{}, err
	}
	if _, err := tx.ExecContext(ctx, `update users set updated_at = now() where id = $1`, userID); err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return s.UserByID(ctx, userID)
}

func (s *Store) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, userID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, auth.ErrUserNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func insertUserRoles(ctx context.Context, tx *sql.Tx, userID string, roleNames []string) error {
	for _, name := range roleNames {
		var roleID string
		err := tx.QueryRowContext(ctx, `select id from roles where name = $1`, name).Scan(&roleID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", auth.ErrRoleNotFound, name)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id) values ($1, $2)
			on conflict do nothing
		`, userID, roleID); err != nil {
			return err
		}
	}
	return nil
}

func splitNames(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}
