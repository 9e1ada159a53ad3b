// Package migrations holds the goose-format schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
