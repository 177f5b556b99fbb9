package migrations

import "embed"

// FS contains the embedded SQLite schema for the block log.
//
//go:embed *.sql
var FS embed.FS
