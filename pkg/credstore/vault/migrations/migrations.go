package migrations

import "embed"

// Migrations holds the vault schema, applied with golang-migrate on open.
//
//go:embed *.sql
var Migrations embed.FS
