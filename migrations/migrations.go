// Package migrations embeds the SQL migrations applied by "phiguard-server migrate".
package migrations

import "embed"

// FS holds the numbered .sql files.
//
//go:embed *.sql
var FS embed.FS
