// Package migrations embeds the offline queue schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
