package sqlite

import "database/sql"

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sandbox_sessions (
    identity     TEXT PRIMARY KEY,
    source_id    TEXT NOT NULL DEFAULT '',
    origin       TEXT NOT NULL DEFAULT '',
    source       TEXT NOT NULL DEFAULT '',
    submitted_at TEXT NOT NULL DEFAULT '',
    rewritten    TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT ''
                 CHECK(status IN ('','succeeded','failed','timed_out','denied')),
    result       TEXT NOT NULL DEFAULT 'null',
    run_count    INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sandbox_sessions_status ON sandbox_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sandbox_sessions_updated ON sandbox_sessions(updated_at DESC);
`

// v2 records which isolation unit produced the last result so listings can
// filter without decoding the result column.
const schemaV2 = `
ALTER TABLE sandbox_sessions ADD COLUMN isolation TEXT NOT NULL DEFAULT '';
`

func runMigrations(db *sql.DB) error {
	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table does not exist or is empty, run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}
	if current < 2 {
		if _, err := db.Exec(schemaV2); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
