package store

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed migrations
var embeddedMigrations embed.FS

// DevMode serves migrations from the working tree instead of the embedded
// copy, so new .sql files apply without rebuilding the binary.
var DevMode = false

// Migrations returns the migration source filesystem, rooted at the
// directory that holds the .sql files.
func Migrations() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/store/migrations"), nil
	}
	return fs.Sub(embeddedMigrations, "migrations")
}
