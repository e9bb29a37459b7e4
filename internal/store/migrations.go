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

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE acquisitions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					case_id TEXT NOT NULL,
					session_id TEXT NOT NULL,
					actor TEXT NOT NULL,
					root_path TEXT NOT NULL,
					case_dir TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					files_inventoried INTEGER DEFAULT 0,
					files_downloaded INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE INDEX idx_acquisitions_case ON acquisitions(case_id);

				CREATE TABLE integrity_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					acquisition_id INTEGER NOT NULL,
					remote_path TEXT NOT NULL,
					local_path TEXT NOT NULL,
					remote_id TEXT NOT NULL,
					rev TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					sha256 TEXT,
					md5 TEXT,
					local_content_hash TEXT,
					remote_content_hash TEXT,
					verdict TEXT NOT NULL,
					server_modified DATETIME,
					UNIQUE(acquisition_id, remote_path),
					FOREIGN KEY(acquisition_id) REFERENCES acquisitions(id)
				);

				CREATE TABLE failed_items (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					acquisition_id INTEGER NOT NULL,
					remote_path TEXT NOT NULL,
					remote_id TEXT,
					state TEXT NOT NULL,
					attempts INTEGER DEFAULT 0,
					error TEXT,
					failed_at DATETIME NOT NULL,
					FOREIGN KEY(acquisition_id) REFERENCES acquisitions(id)
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE verifications (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					acquisition_id INTEGER,
					case_id TEXT NOT NULL,
					verified_at DATETIME NOT NULL,
					files_checked INTEGER DEFAULT 0,
					mismatched INTEGER DEFAULT 0,
					missing INTEGER DEFAULT 0,
					passed BOOLEAN DEFAULT 0
				);

				CREATE TABLE exports (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					case_id TEXT NOT NULL,
					archive_path TEXT NOT NULL,
					sha256 TEXT,
					size INTEGER DEFAULT 0,
					file_count INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT,
					start_time DATETIME NOT NULL,
					end_time DATETIME
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
