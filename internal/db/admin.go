package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/steering/internal/security"
)

// AttachAdminRoutes mounts the live SQL console and a backup download on
// the /debug/ pages of mux. Backups are staged in backupDir.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux, backupDir string) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://steering.db", db.DB, &tailsql.DBOptions{
		Label: "Steering DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", db.backupHandler(backupDir))
	return nil
}

func (db *DB) backupHandler(backupDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		backupPath, err := security.JoinWithin(backupDir, name)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid backup path: %v", err), http.StatusInternalServerError)
			return
		}
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				diagf("failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			diagf("backup copy: %v", err)
		}
		opsf("database backup %s served", name)
	})
}
