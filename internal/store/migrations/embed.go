// Package migrations embeds the SQL schema migrations of the lexd store.
package migrations

import "embed"

// FS holds every NNN_name.up.sql file.
//
//go:embed *.sql
var FS embed.FS
