package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for the acquisition catalog
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Acquisition Operations
// ============================================================================

const acquisitionColumns = `
	id, case_id, session_id, actor, root_path, case_dir, start_time, end_time,
	files_inventoried, files_downloaded, files_failed, bytes_transferred,
	status, error_message
`

func scanAcquisition(row interface{ Scan(...any) error }, a *Acquisition) error {
	return row.Scan(
		&a.ID, &a.CaseID, &a.SessionID, &a.Actor, &a.RootPath, &a.CaseDir,
		&a.StartTime, &a.EndTime, &a.FilesInventoried, &a.FilesDownloaded,
		&a.FilesFailed, &a.BytesTransferred, &a.Status, &a.ErrorMessage,
	)
}

// CreateAcquisition inserts a new Acquisition and sets its ID
func (s *Store) CreateAcquisition(a *Acquisition) error {
	if a.Status == "" {
		a.Status = StatusRunning
	}
	const query = `
		INSERT INTO acquisitions (
			case_id, session_id, actor, root_path, case_dir, start_time, end_time,
			files_inventoried, files_downloaded, files_failed, bytes_transferred,
			status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		a.CaseID, a.SessionID, a.Actor, a.RootPath, a.CaseDir, a.StartTime, a.EndTime,
		a.FilesInventoried, a.FilesDownloaded, a.FilesFailed, a.BytesTransferred,
		a.Status, a.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert acquisition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	a.ID = id
	return nil
}

// UpdateAcquisition updates an existing Acquisition by ID
func (s *Store) UpdateAcquisition(a *Acquisition) error {
	const query = `
		UPDATE acquisitions SET
			end_time = ?, files_inventoried = ?, files_downloaded = ?,
			files_failed = ?, bytes_transferred = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		a.EndTime, a.FilesInventoried, a.FilesDownloaded, a.FilesFailed,
		a.BytesTransferred, a.Status, a.ErrorMessage, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update acquisition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("acquisition %d: %w", a.ID, ErrNotFound)
	}

	return nil
}

// GetAcquisitionByCase retrieves the most recent Acquisition for a case
func (s *Store) GetAcquisitionByCase(caseID string) (*Acquisition, error) {
	query := "SELECT " + acquisitionColumns + " FROM acquisitions WHERE case_id = ? ORDER BY id DESC LIMIT 1"

	a := &Acquisition{}
	if err := scanAcquisition(s.db.QueryRow(query, caseID), a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query acquisition: %w", err)
	}
	return a, nil
}

// ListAcquisitions retrieves Acquisitions, newest first
func (s *Store) ListAcquisitions(limit int) ([]Acquisition, error) {
	query := "SELECT " + acquisitionColumns + " FROM acquisitions ORDER BY start_time DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query acquisitions: %w", err)
	}
	defer rows.Close()

	var out []Acquisition
	for rows.Next() {
		var a Acquisition
		if err := scanAcquisition(rows, &a); err != nil {
			return nil, fmt.Errorf("failed to scan acquisition: %w", err)
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating acquisitions: %w", err)
	}

	return out, nil
}

// ============================================================================
// IntegrityRow Operations
// ============================================================================

// AddIntegrityRows inserts the rows for one acquisition in a single transaction
func (s *Store) AddIntegrityRows(acquisitionID int64, rows []IntegrityRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO integrity_records (
			acquisition_id, remote_path, local_path, remote_id, rev, size, sha256, md5,
			local_content_hash, remote_content_hash, verdict, server_modified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		r.AcquisitionID = acquisitionID
		if _, err := stmt.Exec(
			acquisitionID, r.RemotePath, r.LocalPath, r.RemoteID, r.Rev, r.Size,
			r.SHA256, r.MD5, r.LocalContentHash, r.RemoteContentHash, r.Verdict,
			r.ServerModified,
		); err != nil {
			return fmt.Errorf("failed to insert integrity record %s: %w", r.RemotePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit integrity records: %w", err)
	}
	return nil
}

// ListIntegrityRows retrieves the rows of one acquisition ordered by path
func (s *Store) ListIntegrityRows(acquisitionID int64) ([]IntegrityRow, error) {
	const query = `
		SELECT id, acquisition_id, remote_path, local_path, remote_id, rev, size,
		       sha256, md5, local_content_hash, remote_content_hash, verdict, server_modified
		FROM integrity_records WHERE acquisition_id = ? ORDER BY remote_path
	`

	rows, err := s.db.Query(query, acquisitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrity records: %w", err)
	}
	defer rows.Close()

	var out []IntegrityRow
	for rows.Next() {
		var r IntegrityRow
		if err := rows.Scan(
			&r.ID, &r.AcquisitionID, &r.RemotePath, &r.LocalPath, &r.RemoteID, &r.Rev,
			&r.Size, &r.SHA256, &r.MD5, &r.LocalContentHash, &r.RemoteContentHash,
			&r.Verdict, &r.ServerModified,
		); err != nil {
			return nil, fmt.Errorf("failed to scan integrity record: %w", err)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integrity records: %w", err)
	}

	return out, nil
}

// ============================================================================
// FailedItem Operations
// ============================================================================

// AddFailedItem inserts a FailedItem and sets its ID
func (s *Store) AddFailedItem(item *FailedItem) error {
	const query = `
		INSERT INTO failed_items (
			acquisition_id, remote_path, remote_id, state, attempts, error, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		item.AcquisitionID, item.RemotePath, item.RemoteID, item.State,
		item.Attempts, item.Error, item.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failed item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	return nil
}

// ListFailedItems retrieves failed items, optionally for one acquisition (0 for all)
func (s *Store) ListFailedItems(acquisitionID int64) ([]FailedItem, error) {
	query := `
		SELECT id, acquisition_id, remote_path, remote_id, state, attempts, error, failed_at
		FROM failed_items
	`
	var args []any
	if acquisitionID > 0 {
		query += " WHERE acquisition_id = ?"
		args = append(args, acquisitionID)
	}
	query += " ORDER BY failed_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed items: %w", err)
	}
	defer rows.Close()

	var out []FailedItem
	for rows.Next() {
		var f FailedItem
		if err := rows.Scan(
			&f.ID, &f.AcquisitionID, &f.RemotePath, &f.RemoteID, &f.State,
			&f.Attempts, &f.Error, &f.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan failed item: %w", err)
		}
		out = append(out, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed items: %w", err)
	}

	return out, nil
}

// ============================================================================
// Verification Operations
// ============================================================================

// AddVerification inserts a Verification and sets its ID
func (s *Store) AddVerification(v *Verification) error {
	var acq any
	if v.AcquisitionID > 0 {
		acq = v.AcquisitionID
	}
	const query = `
		INSERT INTO verifications (
			acquisition_id, case_id, verified_at, files_checked, mismatched, missing, passed
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, acq, v.CaseID, v.VerifiedAt, v.FilesChecked, v.Mismatched, v.Missing, v.Passed)
	if err != nil {
		return fmt.Errorf("failed to insert verification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	v.ID = id
	return nil
}

// ListVerifications retrieves the verifications of a case, newest first
func (s *Store) ListVerifications(caseID string) ([]Verification, error) {
	const query = `
		SELECT id, COALESCE(acquisition_id, 0), case_id, verified_at, files_checked,
		       mismatched, missing, passed
		FROM verifications WHERE case_id = ? ORDER BY verified_at DESC, id DESC
	`

	rows, err := s.db.Query(query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer rows.Close()

	var out []Verification
	for rows.Next() {
		var v Verification
		if err := rows.Scan(
			&v.ID, &v.AcquisitionID, &v.CaseID, &v.VerifiedAt, &v.FilesChecked,
			&v.Mismatched, &v.Missing, &v.Passed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verifications: %w", err)
	}

	return out, nil
}

// ============================================================================
// Export Operations
// ============================================================================

// CreateExport inserts a new Export and sets its ID
func (s *Store) CreateExport(e *Export) error {
	if e.Status == "" {
		e.Status = StatusRunning
	}
	const query = `
		INSERT INTO exports (
			case_id, archive_path, sha256, size, file_count, status, error_message,
			start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		e.CaseID, e.ArchivePath, e.SHA256, e.Size, e.FileCount, e.Status,
		e.ErrorMessage, e.StartTime, e.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert export: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// UpdateExport updates an existing Export by ID
func (s *Store) UpdateExport(e *Export) error {
	const query = `
		UPDATE exports SET
			sha256 = ?, size = ?, file_count = ?, status = ?, error_message = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query, e.SHA256, e.Size, e.FileCount, e.Status, e.ErrorMessage, e.EndTime, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update export: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("export %d: %w", e.ID, ErrNotFound)
	}
	return nil
}

// ListExports retrieves Exports, newest first
func (s *Store) ListExports(limit int) ([]Export, error) {
	query := `
		SELECT id, case_id, archive_path, sha256, size, file_count, status,
		       error_message, start_time, end_time
		FROM exports ORDER BY start_time DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exports: %w", err)
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var e Export
		if err := rows.Scan(
			&e.ID, &e.CaseID, &e.ArchivePath, &e.SHA256, &e.Size, &e.FileCount,
			&e.Status, &e.ErrorMessage, &e.StartTime, &e.EndTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exports: %w", err)
	}

	return out, nil
}

// ============================================================================
// Aggregates
// ============================================================================

// Stats summarizes the whole catalog
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(files_downloaded), 0),
		       COALESCE(SUM(files_failed), 0), COALESCE(SUM(bytes_transferred), 0)
		FROM acquisitions
	`).Scan(&st.Acquisitions, &st.FilesDownloaded, &st.FilesFailed, &st.BytesTransferred)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate acquisitions: %w", err)
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN passed THEN 0 ELSE 1 END), 0)
		FROM verifications
	`).Scan(&st.Verifications, &st.FailedChecks)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate verifications: %w", err)
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM exports").Scan(&st.Exports); err != nil {
		return Stats{}, fmt.Errorf("failed to count exports: %w", err)
	}
	return st, nil
}
