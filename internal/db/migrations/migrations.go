// Package migrations holds the transit database schema as goose migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
