//go:build cgo

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomkb/loom/internal/docstore"
)

func init() {
	docstore.Register("libsql", OpenLibSQL)
}

// OpenLibSQL opens a libSQL database. opts.DSN may be a local "file:" URI or
// a "libsql://" server URL; an "auth_token" param is appended for servers.
func OpenLibSQL(ctx context.Context, opts docstore.Options) (docstore.Store, error) {
	dsn := opts.DSN
	if dsn == "" {
		return nil, fmt.Errorf("libsql backend requires a dsn")
	}

	remote := strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://")
	if !remote && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if token := opts.Param("auth_token", ""); token != "" && remote {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "authToken=" + token
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql database: %w", err)
	}

	// Server-side databases manage their own journal mode.
	return newDB(ctx, conn, opts.DSN, !remote)
}
