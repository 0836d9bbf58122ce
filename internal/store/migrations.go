package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE job_history (
					id TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					project TEXT NOT NULL,
					environment TEXT,
					target TEXT,
					filter TEXT,
					destination TEXT,
					fingerprint TEXT NOT NULL,
					state TEXT NOT NULL,
					phase TEXT,
					message TEXT,
					remote_id TEXT,
					error TEXT,
					outcome TEXT,
					succeeded INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					skipped INTEGER DEFAULT 0,
					total_bytes INTEGER DEFAULT 0,
					artifact TEXT,
					created_at DATETIME NOT NULL,
					started_at DATETIME,
					completed_at DATETIME
				);

				CREATE INDEX idx_job_history_created ON job_history(created_at);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE failed_objects (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					container TEXT NOT NULL,
					object_name TEXT NOT NULL,
					dest_path TEXT,
					size INTEGER DEFAULT 0,
					error TEXT,
					job_id TEXT,
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);

				CREATE INDEX idx_failed_objects_container ON failed_objects(container, resolved);
			`,
		},
		{
			version: 3,
			sql: `
				CREATE INDEX idx_job_history_state ON job_history(state, kind);
			`,
		},
	}

	for _, migration := range migrations {
		if migration.version > currentVersion {
			if err := s.runMigration(migration.version, migration.sql); err != nil {
				return err
			}
		}
	}

	return nil
}

// runMigration executes a single migration within a transaction
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", version, err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}

	s.logger.Info("Applied migration", "version", version)
	return nil
}
