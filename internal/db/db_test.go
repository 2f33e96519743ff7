package db_test

import (
	"os"
	"testing"

	"windsite/internal/db"
)

func TestOpenCreatesWorkspaceAndSchema(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if _, err := os.Stat(db.Path(dir)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	// the schema is in place: both tables accept rows
	_, err = conn.Exec(`INSERT INTO projects(id,name,owner,created_at,updated_at) VALUES ('p1','gorge','alice','2026-03-01T00:00:00Z','2026-03-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("projects table not usable: %v", err)
	}
	_, err = conn.Exec(`INSERT INTO events(ts,type,project_id,owner,payload_json) VALUES ('2026-03-01T00:00:00Z','project.created','p1','alice','{}')`)
	if err != nil {
		t.Fatalf("events table not usable: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil || version < 1 {
		t.Fatalf("schema version not recorded: %v %d", err, version)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO projects(id,name,owner,created_at,updated_at) VALUES ('p1','gorge','alice','2026-03-01T00:00:00Z','2026-03-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	conn.Close()

	again, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	var count int
	if err := again.QueryRow(`SELECT count(*) FROM projects`).Scan(&count); err != nil || count != 1 {
		t.Fatalf("reopen must keep existing data: %v %d", err, count)
	}
}
