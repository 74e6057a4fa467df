package sqllite

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stepflow-io/stepflow/internal/migrations"
)

var fileSeq int32

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, db *sql.DB)) {
	filename := fmt.Sprintf("stepflow-test-%d.db", atomic.AddInt32(&fileSeq, 1))
	defer os.Remove(filename)
	os.Setenv("STEPFLOW_DATABASE_TYPE", "SQLLITE")
	os.Setenv("STEPFLOW_DATABASE_SQLLITE_FILE_NAME", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Execute the embedded migration directly since we're not using the
	// full app setup. This ensures the tables exist before running the tests.
	schema, err := fs.ReadFile(migrations.FS, "sqllite3/000001_init.up.sql")
	if err != nil {
		t.Fatalf("Failed to read embedded schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	testFunc(t, db)
}
