package migrations

import "embed"

// FS contains embedded SQLite migrations for the relay message log.
//
//go:embed *.sql
var FS embed.FS
