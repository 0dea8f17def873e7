// Package migrations embeds the SQL schema so the server binary can migrate
// itself without shipping the directory alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
