// Package migrations embeds the goose migrations of the RadPlanBio schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
