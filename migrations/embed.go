// Package migrations embeds the SQL schema and applies it in file order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
