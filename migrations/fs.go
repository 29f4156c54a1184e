// Package migrations embeds this service's SQL schema migrations for
// cmd/migrate (golang-migrate's iofs source driver) to apply.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
