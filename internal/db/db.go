// Package db is the sqlite persistence layer: mission lifecycle records,
// the trajectory sample archive and the conflict event log. It implements
// mission.Persistence and monitor.Recorder. Persistence is authoritative
// for missions, so every write here gates something upstream.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	sqlite3 "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
	"tailscale.com/tsweb"

	"github.com/banshee-data/airspace.report/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the sqlite database at path. Schema management
// is the migrator's job; this only sets connection pragmas.
func NewDB(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Single writer; the busy timeout absorbs checkpoint stalls instead
	// of surfacing SQLITE_BUSY to every caller.
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := sdb.Exec(p); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &DB{DB: sdb, path: path}, nil
}

// transientErr satisfies mission.TransientError.
type transientErr struct{ err error }

func (e transientErr) Error() string   { return e.err.Error() }
func (e transientErr) Unwrap() error   { return e.err }
func (e transientErr) Transient() bool { return true }

// IsTransient reports whether err is a momentary sqlite failure (busy,
// locked, IO) that is safe to retry, as opposed to a constraint violation
// or schema problem.
func IsTransient(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED, sqlitelib.SQLITE_IOERR:
		return true
	}
	return false
}

// classify wraps transient sqlite failures so the retry seam upstream can
// see them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return transientErr{err}
	}
	return err
}

// AttachAdminRoutes mounts the operator debug surface: a tailsql browser
// over the live database, an on-demand gzip backup, and the schema version.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux, migrationsDir string) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://airspace.db", db.DB, &tailsql.DBOptions{
		Label: "Airspace DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: backup file not removed: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzw := gzip.NewWriter(w)
		defer gzw.Close()
		if _, err := io.Copy(gzw, backupFile); err != nil {
			monitoring.Logf("db: backup download aborted: %v", err)
		}
	}))

	debug.Handle("schema-version", "Current migration version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version, dirty, err := db.MigrateVersion(migrationsDir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "version=%d dirty=%v\n", version, dirty)
	}))
	return nil
}
