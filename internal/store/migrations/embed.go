package migrations

import "embed"

// FS holds the SQL migrations for the profile database.
//
//go:embed *.sql
var FS embed.FS
