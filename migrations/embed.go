// Package migrations embeds the cart service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
