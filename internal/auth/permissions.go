package auth

const (
	PermManageAuthorization = "MANAGE_AUTHORIZATION"
	PermManageUsers         = "MANAGE_USERS"
	PermReadUsers           = "READ_USERS"

	RoleAdmin = "ROLE_ADMIN"
	RoleUser  = "ROLE_USER"
)

// BuiltinPermissions are created by EnsureBuiltins.
var BuiltinPermissions = []string{
	PermManageAuthorization,
	PermManageUsers,
	PermReadUsers,
}

// BuiltinRoles maps each builtin role to the permissions it starts with.
var BuiltinRoles = map[string][]string{
	RoleAdmin: {PermManageAuthorization, PermManageUsers, PermReadUsers},
	RoleUser:  {PermReadUsers},
}
