// Package migrations embeds the goose SQL migration files for
// internal/store/postgres. Grounded on
// emergent-company-emergent/apps/server-go/internal/migrate's
// goose.SetBaseFS(embed.FS) pattern.
package migrations

import "embed"

// FS holds every *.sql migration file for goose.SetBaseFS.
//
//go:embed *.sql
var FS embed.FS
