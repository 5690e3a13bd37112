// Package migrations embeds the schema migration files so the server can
// bring a fresh database up to date on start, independent of the working
// directory it runs from.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order by
// storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
