// Package migrations embeds the SQL schema for the sqlite ledger.
package migrations

import "embed"

// FS holds the ordered *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
