package store

import "time"

// Acquisition status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Acquisition records one acquire run against a case directory
type Acquisition struct {
	ID               int64
	CaseID           string // case directory name, "<date>_<session8>"
	SessionID        string
	Actor            string
	RootPath         string // remote folder that was acquired
	CaseDir          string
	StartTime        time.Time
	EndTime          time.Time
	FilesInventoried int
	FilesDownloaded  int
	FilesFailed      int
	BytesTransferred int64
	Status           string // "running", "completed", "partial", "failed"
	ErrorMessage     string
}

// IntegrityRow is the catalog copy of one hashes.csv line
type IntegrityRow struct {
	ID                int64
	AcquisitionID     int64
	RemotePath        string
	LocalPath         string
	RemoteID          string
	Rev               string
	Size              int64
	SHA256            string
	MD5               string
	LocalContentHash  string
	RemoteContentHash string
	Verdict           string
	ServerModified    time.Time
}

// FailedItem is an object that did not land during an acquisition
type FailedItem struct {
	ID            int64
	AcquisitionID int64
	RemotePath    string
	RemoteID      string
	State         string // "failed_transient_exhausted" or "failed_fatal"
	Attempts      int
	Error         string
	FailedAt      time.Time
}

// Verification records a re-hash of a case against its hashes.csv
type Verification struct {
	ID            int64
	AcquisitionID int64
	CaseID        string
	VerifiedAt    time.Time
	FilesChecked  int
	Mismatched    int
	Missing       int
	Passed        bool
}

// Export records a case archive operation
type Export struct {
	ID           int64
	CaseID       string
	ArchivePath  string
	SHA256       string
	Size         int64
	FileCount    int
	Status       string // "running", "completed", "failed"
	ErrorMessage string
	StartTime    time.Time
	EndTime      time.Time
}

// Stats aggregates the catalog for the status command
type Stats struct {
	Acquisitions     int
	FilesDownloaded  int
	FilesFailed      int
	BytesTransferred int64
	Verifications    int
	FailedChecks     int
	Exports          int
}
