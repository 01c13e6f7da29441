package querylog

import (
	"database/sql"
	"fmt"
	"sort"
)

// migration is a single versioned, transactional schema change.
type migration struct {
	SQL         string
	Description string
	Version     int
}

const schemaV1 = `
CREATE TABLE queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	response_code INTEGER NOT NULL
);
CREATE INDEX idx_queries_domain ON queries(domain);
CREATE INDEX idx_queries_timestamp ON queries(timestamp);
`

// migrations is the registry of all schema migrations, in order. Each
// version is applied exactly once, inside its own transaction.
var migrations = []migration{
	{Version: 1, Description: "initial queries table", SQL: schemaV1},
}

func getMigrations() []migration {
	result := make([]migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result
}

// currentVersion returns the highest applied version, or 0 for a fresh
// database with no schema_version table yet.
func currentVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(`SELECT 1 FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checking schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("querying schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
		return fmt.Errorf("recording migration version: %w", err)
	}

	return tx.Commit()
}

// runMigrations brings db up to the latest registered schema version,
// applying only the migrations it has not already seen.
func runMigrations(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	for _, m := range getMigrations() {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("applying migration v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}
