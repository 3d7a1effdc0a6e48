// Package migrations embeds the SQL schema so the service binary and the
// migrate tool can run without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
