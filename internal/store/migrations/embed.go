// Package migrations embeds the durable store schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
