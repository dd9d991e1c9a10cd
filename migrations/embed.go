// Package migrations embeds the identity schema and its seed data.
package migrations

import "embed"

//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	MigrationsDir = "sql"
	SeedsDir      = "seeds"
)
