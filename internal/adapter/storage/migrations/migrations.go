package migrations

import "embed"

// Files holds the schema for each supported dialect, one directory per
// driver. Files apply in lexical order.
//
//go:embed mysql/*.sql postgres/*.sql
var Files embed.FS
