// Package dbmigrations exposes embedded SQL migrations for Publora binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Publora binaries.
//
//go:embed *.sql
var Files embed.FS
