// Package migrations embeds the schema of the identity service.
package migrations

import "embed"

// FS holds the ordered *.up.sql and *.down.sql files under sql/.
//
//go:embed sql/*.sql
var FS embed.FS

// Dir is the directory inside FS that holds the files.
const Dir = "sql"
