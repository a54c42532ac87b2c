// Package db ships the messaging schema migrations with the binary.
package db

import "embed"

// Migrations holds the versioned SQL files defining the contacts, deals,
// messages, calls, activities, tasks, and integration_configs tables.
//
//go:embed migrations/*.sql
var Migrations embed.FS
