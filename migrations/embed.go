// Package migrations embeds budlink's SQL schema migrations.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS holds every *.up.sql and *.down.sql file at its root.
var FS = files
