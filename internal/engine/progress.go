package engine

import (
	"sync"
	"time"

	"github.com/BadgerOps/afrec/internal/download"
	"github.com/BadgerOps/afrec/internal/evidence"
)

// Phase is the current phase of an acquisition.
type Phase string

const (
	PhaseListing     Phase = "listing"
	PhaseDownloading Phase = "downloading"
	PhaseHashing     Phase = "hashing"
	PhaseComplete    Phase = "complete"
	PhasePartial     Phase = "partial"
	PhaseFailed      Phase = "failed"
)

// Progress is a snapshot of the tracker, safe for JSON serialization.
type Progress struct {
	CaseID         string    `json:"case_id"`
	Phase          Phase     `json:"phase"`
	TotalFiles     int       `json:"total_files"`
	InProgress     int       `json:"in_progress"`
	CompletedFiles int       `json:"completed_files"`
	FailedFiles    int       `json:"failed_files"`
	TotalBytes     int64     `json:"total_bytes"`
	BytesDone      int64     `json:"bytes_done"`
	Percent        float64   `json:"percent"`
	StartTime      time.Time `json:"start_time"`
	Elapsed        string    `json:"elapsed"`
}

// Tracker accumulates item state changes from transfer workers.
type Tracker struct {
	mu sync.Mutex

	caseID     string
	phase      Phase
	startTime  time.Time
	totalFiles int
	totalBytes int64
	bytesDone  int64
	states     map[string]download.State
}

// NewTracker creates a tracker for a case.
func NewTracker(caseID string) *Tracker {
	return &Tracker{
		caseID:    caseID,
		phase:     PhaseListing,
		startTime: time.Now(),
		states:    make(map[string]download.State),
	}
}

// SetPhase records the current phase.
func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// SetTotals records the inventory size.
func (t *Tracker) SetTotals(files int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFiles = files
	t.totalBytes = bytes
}

// Observe is a download.Options.OnState callback.
func (t *Tracker) Observe(d evidence.Descriptor, s download.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states[d.Path()] = s
	if s == download.StateSucceeded {
		t.bytesDone += d.Size()
	}
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		CaseID:     t.caseID,
		Phase:      t.phase,
		TotalFiles: t.totalFiles,
		TotalBytes: t.totalBytes,
		BytesDone:  t.bytesDone,
		StartTime:  t.startTime,
		Elapsed:    time.Since(t.startTime).Round(time.Second).String(),
	}
	for _, s := range t.states {
		switch s {
		case download.StateInProgress:
			p.InProgress++
		case download.StateSucceeded:
			p.CompletedFiles++
		case download.StateFailedFatal, download.StateFailedTransientExhausted:
			p.FailedFiles++
		}
	}
	if t.totalFiles > 0 {
		p.Percent = float64(p.CompletedFiles+p.FailedFiles) / float64(t.totalFiles) * 100
	}
	return p
}
