package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/download"
	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/integrity"
	"github.com/BadgerOps/afrec/internal/remote"
	"github.com/BadgerOps/afrec/internal/session"
	"github.com/BadgerOps/afrec/internal/store"
)

// ErrIncomplete is returned alongside a result when some items failed.
var ErrIncomplete = errors.New("acquisition incomplete")

// Request selects what to list or acquire.
type Request struct {
	Root        string
	Filter      remote.Filter
	Session     session.Session
	Fingerprint string // vault token fingerprint, recorded in summary.json
}

// PreviewResult is the outcome of Preview.
type PreviewResult struct {
	Case      *Case // nil when the inventory was not saved
	Items     []evidence.Descriptor
	TotalSize int64
}

// Preview lists the remote folder. With save, the inventory, session, and a
// PREVIEW ledger entry are written to a new case directory.
func (m *Manager) Preview(ctx context.Context, req Request, save bool) (*PreviewResult, error) {
	log := m.logger.With("session_id", req.Session.ID, "path", req.Root)
	log.Info("start preview", "actor", req.Session.Actor, "ip", req.Session.IP)

	items, err := m.lister.ListFolder(ctx, req.Root, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", req.Root, err)
	}
	res := &PreviewResult{Items: items, TotalSize: evidence.TotalSize(items)}

	if save {
		c, err := NewCase(m.opts.CasesDir, req.Session)
		if err != nil {
			return nil, err
		}
		if err := req.Session.Save(c.SessionPath()); err != nil {
			return nil, err
		}
		if err := c.WriteInventory(items); err != nil {
			return nil, err
		}
		if err := record(c, req.Session.Actor, custody.ActionPreview, map[string]any{
			"path":       req.Root,
			"count":      len(items),
			"session_id": req.Session.ID,
		}); err != nil {
			return nil, err
		}
		res.Case = c
	}

	log.Info("end preview", "count", len(items), "total_size", res.TotalSize)
	return res, nil
}

// FailureSummary is one failed item in summary.json.
type FailureSummary struct {
	Path     string         `json:"path"`
	ID       string         `json:"id"`
	State    download.State `json:"state"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error"`
}

// Summary is written to summary.json at the end of an acquisition.
type Summary struct {
	CaseID           string            `json:"case_id"`
	SessionID        string            `json:"session_id"`
	Actor            string            `json:"actor"`
	RootPath         string            `json:"root_path"`
	Complete         bool              `json:"complete"`
	FilesInventoried int               `json:"files_inventoried"`
	FilesDownloaded  int               `json:"files_downloaded"`
	FilesFailed      int               `json:"files_failed"`
	BytesTransferred int64             `json:"bytes_transferred"`
	Integrity        integrity.Summary `json:"integrity"`
	Failures         []FailureSummary  `json:"failures"`
	EvidenceDir      string            `json:"evidence_dir"`
	HashesCSV        string            `json:"hashes_csv"`
	HashErrors       int               `json:"hash_errors"`
	TokenFingerprint string            `json:"token_fingerprint,omitempty"`
	Error            string            `json:"error,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Case    *Case
	Report  download.Report
	Records []integrity.Record
	Summary Summary
}

// Acquire downloads every matching object into a new case directory, hashes
// what landed, and writes the case artifacts. When any item failed the
// result is returned together with ErrIncomplete.
func (m *Manager) Acquire(ctx context.Context, req Request) (*AcquireResult, error) {
	c, err := NewCase(m.opts.CasesDir, req.Session)
	if err != nil {
		return nil, err
	}
	log, closer, err := m.caseLogger(c)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	tracker := NewTracker(c.ID)
	m.setTracker(tracker)

	log = log.With("session_id", req.Session.ID)
	log.Info("start acquire", "actor", req.Session.Actor, "ip", req.Session.IP, "path", req.Root)

	if err := record(c, req.Session.Actor, custody.ActionAcquire, map[string]any{
		"phase":      "start",
		"path":       req.Root,
		"session_id": req.Session.ID,
		"case_dir":   c.Dir,
	}); err != nil {
		tracker.SetPhase(PhaseFailed)
		return nil, err
	}

	items, err := m.lister.ListFolder(ctx, req.Root, req.Filter)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		log.Error("listing failed", "error", err)
		if lerr := record(c, req.Session.Actor, custody.ActionAcquire, map[string]any{
			"phase":      "end",
			"path":       req.Root,
			"error":      err.Error(),
			"session_id": req.Session.ID,
		}); lerr != nil {
			return nil, errors.Join(err, lerr)
		}
		return nil, fmt.Errorf("listing %s: %w", req.Root, err)
	}
	tracker.SetTotals(len(items), evidence.TotalSize(items))

	if err := req.Session.Save(c.SessionPath()); err != nil {
		return nil, err
	}
	if err := c.WriteInventory(items); err != nil {
		return nil, err
	}

	acq := &store.Acquisition{
		CaseID:           c.ID,
		SessionID:        req.Session.ID,
		Actor:            req.Session.Actor,
		RootPath:         req.Root,
		CaseDir:          c.Dir,
		StartTime:        req.Session.StartedAt,
		FilesInventoried: len(items),
		Status:           store.StatusRunning,
	}
	if m.store != nil {
		if err := m.store.CreateAcquisition(acq); err != nil {
			log.Warn("failed to record acquisition in catalog", "error", err)
		}
	}

	tracker.SetPhase(PhaseDownloading)
	opts := m.opts.Transfer
	opts.StagingDir = c.StagingDir()
	prev := opts.OnState
	opts.OnState = func(d evidence.Descriptor, s download.State) {
		tracker.Observe(d, s)
		if prev != nil {
			prev(d, s)
		}
	}
	log.Debug("retry schedule", "max_attempts", opts.Policy.MaxAttempts, "delays", opts.Policy.Delays())
	report := download.New(m.fetcher, opts, log).TransferAll(ctx, items, c.EvidenceDir())

	tracker.SetPhase(PhaseHashing)
	records := make([]integrity.Record, 0, len(report.Succeeded))
	for _, t := range report.Succeeded {
		rec := integrity.Build(t.LocalPath, t.Descriptor)
		if rec.Error != "" {
			log.Error("hashing failed", "path", t.LocalPath, "error", rec.Error)
		}
		if rec.Verdict == integrity.Mismatched {
			log.Warn("content hash mismatch", "path", rec.RemotePath, "local", rec.LocalContentHash, "remote", rec.RemoteContentHash)
		}
		rec.LocalPath = c.Rel(rec.LocalPath)
		records = append(records, rec)
	}
	if err := writeHashes(c, records); err != nil {
		m.failAcquisition(acq, err, tracker, log)
		return nil, err
	}

	summary := Summary{
		CaseID:           c.ID,
		SessionID:        req.Session.ID,
		Actor:            req.Session.Actor,
		RootPath:         req.Root,
		FilesInventoried: len(items),
		FilesDownloaded:  len(report.Succeeded),
		FilesFailed:      len(report.Failed),
		BytesTransferred: report.Bytes(),
		Integrity:        integrity.Summarize(records),
		Failures:         make([]FailureSummary, 0, len(report.Failed)),
		EvidenceDir:      c.EvidenceDir(),
		HashesCSV:        c.HashesPath(),
		TokenFingerprint: req.Fingerprint,
		StartedAt:        req.Session.StartedAt,
		FinishedAt:       time.Now().UTC(),
	}
	for _, f := range report.Failed {
		summary.Failures = append(summary.Failures, FailureSummary{
			Path:     f.Descriptor.Path(),
			ID:       f.Descriptor.ID(),
			State:    f.State,
			Attempts: f.Attempts,
			Error:    f.Err.Error(),
		})
	}
	for _, r := range records {
		if r.Error != "" {
			summary.HashErrors++
		}
	}

	// summary.json and the catalog claim completeness only once the
	// closing ledger entry is on disk.
	if err := c.writeJSON(SummaryFile, summary); err != nil {
		m.failAcquisition(acq, err, tracker, log)
		return nil, err
	}
	m.catalogAcquisition(acq, records, report, summary, log)

	complete := report.Complete() && summary.HashErrors == 0
	if err := record(c, req.Session.Actor, custody.ActionAcquire, map[string]any{
		"phase":      "end",
		"path":       req.Root,
		"count":      len(report.Succeeded),
		"failed":     len(report.Failed),
		"complete":   complete,
		"case_dir":   c.Dir,
		"session_id": req.Session.ID,
	}); err != nil {
		summary.Error = err.Error()
		if werr := c.writeJSON(SummaryFile, summary); werr != nil {
			log.Error("failed to mark summary incomplete", "error", werr)
		}
		m.failAcquisition(acq, err, tracker, log)
		return nil, err
	}

	summary.Complete = complete
	if err := c.writeJSON(SummaryFile, summary); err != nil {
		m.failAcquisition(acq, err, tracker, log)
		return nil, err
	}
	m.finishAcquisition(acq, summary, log)

	res := &AcquireResult{Case: c, Report: report, Records: records, Summary: summary}
	log.Info("end acquire",
		"inventoried", len(items),
		"downloaded", len(report.Succeeded),
		"failed", len(report.Failed),
		"bytes", report.Bytes(),
	)
	if !complete {
		tracker.SetPhase(PhasePartial)
		return res, fmt.Errorf("%w: %d of %d items failed, %d not hashed", ErrIncomplete, len(report.Failed), len(items), summary.HashErrors)
	}
	tracker.SetPhase(PhaseComplete)
	return res, nil
}

func writeHashes(c *Case, records []integrity.Record) error {
	f, err := os.Create(c.HashesPath())
	if err != nil {
		return fmt.Errorf("creating %s: %w", HashesFile, err)
	}
	if err := integrity.WriteCSV(f, records); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", HashesFile, err)
	}
	return f.Close()
}

func (m *Manager) catalogAcquisition(acq *store.Acquisition, records []integrity.Record, report download.Report, summary Summary, log *slog.Logger) {
	if m.store == nil || acq.ID == 0 {
		return
	}

	rows := make([]store.IntegrityRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, store.IntegrityRow{
			RemotePath:        r.RemotePath,
			LocalPath:         r.LocalPath,
			RemoteID:          r.ID,
			Rev:               r.Rev,
			Size:              r.Size,
			SHA256:            r.SHA256,
			MD5:               r.MD5,
			LocalContentHash:  r.LocalContentHash,
			RemoteContentHash: r.RemoteContentHash,
			Verdict:           string(r.Verdict),
			ServerModified:    r.ServerModified,
		})
	}
	if err := m.store.AddIntegrityRows(acq.ID, rows); err != nil {
		log.Warn("failed to record integrity rows", "error", err)
	}

	for _, f := range report.Failed {
		item := &store.FailedItem{
			AcquisitionID: acq.ID,
			RemotePath:    f.Descriptor.Path(),
			RemoteID:      f.Descriptor.ID(),
			State:         string(f.State),
			Attempts:      f.Attempts,
			Error:         f.Err.Error(),
			FailedAt:      summary.FinishedAt,
		}
		if err := m.store.AddFailedItem(item); err != nil {
			log.Warn("failed to record failed item", "path", item.RemotePath, "error", err)
		}
	}

	acq.EndTime = summary.FinishedAt
	acq.FilesDownloaded = summary.FilesDownloaded
	acq.FilesFailed = summary.FilesFailed
	acq.BytesTransferred = summary.BytesTransferred
	if err := m.store.UpdateAcquisition(acq); err != nil {
		log.Warn("failed to update acquisition", "error", err)
	}
}

// finishAcquisition sets the final catalog status from a finalized summary.
func (m *Manager) finishAcquisition(acq *store.Acquisition, summary Summary, log *slog.Logger) {
	if m.store == nil || acq.ID == 0 {
		return
	}
	acq.Status = store.StatusCompleted
	if !summary.Complete {
		acq.Status = store.StatusPartial
		acq.ErrorMessage = fmt.Sprintf("%d item(s) failed, %d not hashed", summary.FilesFailed, summary.HashErrors)
	}
	if err := m.store.UpdateAcquisition(acq); err != nil {
		log.Warn("failed to update acquisition", "error", err)
	}
}

func (m *Manager) failAcquisition(acq *store.Acquisition, cause error, tracker *Tracker, log *slog.Logger) {
	tracker.SetPhase(PhaseFailed)
	log.Error("acquisition aborted", "error", cause)
	if m.store == nil || acq.ID == 0 {
		return
	}
	acq.Status = store.StatusFailed
	acq.ErrorMessage = cause.Error()
	if acq.EndTime.IsZero() {
		acq.EndTime = time.Now().UTC()
	}
	if err := m.store.UpdateAcquisition(acq); err != nil {
		log.Warn("failed to update acquisition", "error", err)
	}
}
