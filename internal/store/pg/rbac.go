package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

const roleSelect = `
	select r.id, r.name, r.created_at,
	       coalesce(string_agg(p.name, ',' order by p.name), '')
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id`

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r     auth.Role
		perms string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.CreatedAt, &perms); err != nil {
		return auth.Role{}, err
	}
	r.Permissions = splitNames(perms)
	return r, nil
}

func (s *Store) CreateRole(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	role := auth.Role{ID: ids.New(), Name: name, Permissions: []string{}}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name)
		values ($1, $2)
		returning created_at
	`, role.ID, name).Scan(&role.CreatedAt)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrDuplicateName, name)
		}
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, roleSelect+`
		group by r.id
		order by r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RoleByID(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, roleSelect+`
		where r.id = $1
		group by r.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	return r, err
}

// RoleMembers reports each member with its full role list, not just roleID.
func (s *Store) RoleMembers(ctx context.Context, roleID string) ([]auth.User, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, userSelect+`
		where u.id in (select user_id from user_roles where role_id = $1)
		group by u.id
		order by u.username`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.User{}
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

// SetRolePermissions replaces the role's grants inside one transaction; an
// unknown permission name rolls the whole change back.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionNames []string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errDBUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	if err != nil {
		return auth.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return auth.Role{}, err
	}
	for _, name := range permissionNames {
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where name = $1`, name).Scan(&permID)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Role{}, fmt.Errorf("%w: %s", auth.ErrPermissionNotFound, name)
		}
		if err != nil {
			return auth.Role{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return auth.Role{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return s.RoleByID(ctx, roleID)
}

func (s *Store) CreatePermission(ctx context.Context, name string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errDBUnavailable
	}
	perm := auth.Permission{ID: ids.New(), Name: name}
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name)
		values ($1, $2)
		returning created_at
	`, perm.ID, name).Scan(&perm.CreatedAt)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return auth.Permission{}, fmt.Errorf("%w: permission %s", auth.ErrDuplicateName, name)
		}
		return auth.Permission{}, err
	}
	return perm, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeletePermission relies on the restricting foreign key from
// role_permissions, so the reference check and the delete are one statement.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		if isPgCode(err, pgErrForeignKeyViolation) {
			return fmt.Errorf("%w: permission %s is granted by a role", auth.ErrReferentialConflict, id)
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: permission %s", auth.ErrNotFound, id)
	}
	return nil
}
