package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/hashing"
	"github.com/BadgerOps/afrec/internal/integrity"
	"github.com/BadgerOps/afrec/internal/session"
	"github.com/BadgerOps/afrec/internal/store"
)

// ErrVerificationFailed is returned when any evidence file no longer
// matches hashes.csv.
var ErrVerificationFailed = errors.New("verification failed")

// CheckStatus is the outcome of re-hashing one evidence file.
type CheckStatus string

const (
	CheckOK        CheckStatus = "ok"
	CheckModified  CheckStatus = "modified"
	CheckMissing   CheckStatus = "missing"
	CheckNotHashed CheckStatus = "not_hashed" // row recorded without digests
)

// Check is one re-hashed file.
type Check struct {
	RemotePath string      `json:"path_dropbox"`
	LocalPath  string      `json:"path_local"`
	Status     CheckStatus `json:"status"`
	Expected   string      `json:"expected_sha256"`
	Actual     string      `json:"actual_sha256,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Case        *Case
	Checks      []Check
	Unlisted    []string // evidence files absent from hashes.csv
	NotAcquired []string // inventory.json entries with no hashes.csv row
	Mismatched  int
	Missing     int
	NotHashed   int
	AcquiredBy  string // actor from session.json, when present
	SessionID   string
	VerifiedAt  time.Time
}

// Passed reports whether every listed file still matches.
func (r *VerifyResult) Passed() bool {
	return r.Mismatched == 0 && r.Missing == 0 && r.NotHashed == 0
}

// Verify re-hashes every file listed in the case hashes.csv and compares
// sha256, md5, and content hash with the recorded values.
func (m *Manager) Verify(ctx context.Context, caseDir, actor string) (*VerifyResult, error) {
	c, err := OpenCase(caseDir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(c.HashesPath())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", HashesFile, err)
	}
	records, err := integrity.ReadCSV(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", HashesFile, err)
	}

	log := m.logger.With("case", c.ID)
	res := &VerifyResult{Case: c, Checks: make([]Check, 0, len(records))}
	listed := make(map[string]bool, len(records))
	hashed := make(map[string]bool, len(records))

	if s, err := session.Load(c.SessionPath()); err == nil {
		res.AcquiredBy, res.SessionID = s.Actor, s.ID
	} else {
		log.Warn("session.json unreadable", "error", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		local := c.Resolve(rec.LocalPath)
		listed[filepath.Clean(local)] = true
		hashed[rec.RemotePath] = true
		res.Checks = append(res.Checks, checkRecord(local, rec))
	}
	for _, chk := range res.Checks {
		switch chk.Status {
		case CheckModified:
			res.Mismatched++
			log.Warn("evidence file modified", "path", chk.LocalPath, "expected", chk.Expected, "actual", chk.Actual)
		case CheckMissing:
			res.Missing++
			log.Warn("evidence file missing", "path", chk.LocalPath, "error", chk.Error)
		case CheckNotHashed:
			res.NotHashed++
			log.Warn("evidence file was never hashed", "path", chk.LocalPath, "error", chk.Error)
		}
	}

	switch inventory, err := c.ReadInventory(); {
	case err == nil:
		for _, d := range inventory {
			if !hashed[d.Path()] {
				res.NotAcquired = append(res.NotAcquired, d.Path())
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		log.Warn("inventory unreadable", "error", err)
	}

	unlisted, err := unlistedFiles(c.EvidenceDir(), listed)
	if err != nil {
		return nil, err
	}
	for _, p := range unlisted {
		res.Unlisted = append(res.Unlisted, c.Rel(p))
	}
	res.VerifiedAt = time.Now().UTC()

	if err := record(c, actor, custody.ActionVerify, map[string]any{
		"checked":      len(res.Checks),
		"mismatched":   res.Mismatched,
		"missing":      res.Missing,
		"not_hashed":   res.NotHashed,
		"unlisted":     len(res.Unlisted),
		"not_acquired": len(res.NotAcquired),
		"passed":       res.Passed(),
	}); err != nil {
		return nil, err
	}

	if m.store != nil {
		v := &store.Verification{
			CaseID:       c.ID,
			VerifiedAt:   res.VerifiedAt,
			FilesChecked: len(res.Checks),
			Mismatched:   res.Mismatched,
			Missing:      res.Missing,
			Passed:       res.Passed(),
		}
		if acq, err := m.store.GetAcquisitionByCase(c.ID); err == nil {
			v.AcquisitionID = acq.ID
		}
		if err := m.store.AddVerification(v); err != nil {
			log.Warn("failed to record verification", "error", err)
		}
	}

	log.Info("verification finished", "checked", len(res.Checks), "mismatched", res.Mismatched, "missing", res.Missing, "not_hashed", res.NotHashed, "unlisted", len(res.Unlisted))
	if !res.Passed() {
		return res, fmt.Errorf("%w: %d modified, %d missing, %d never hashed", ErrVerificationFailed, res.Mismatched, res.Missing, res.NotHashed)
	}
	return res, nil
}

func checkRecord(local string, rec integrity.Record) Check {
	chk := Check{RemotePath: rec.RemotePath, LocalPath: rec.LocalPath, Expected: rec.SHA256}
	d, err := hashing.File(local)
	if rec.Error != "" {
		// Nothing recorded to compare against.
		chk.Status = CheckNotHashed
		chk.Error = rec.Error
		chk.Actual = d.SHA256
		return chk
	}
	if err != nil {
		chk.Status = CheckMissing
		chk.Error = err.Error()
		return chk
	}
	chk.Actual = d.SHA256
	switch {
	case d.SHA256 != rec.SHA256, d.MD5 != rec.MD5, d.ContentHash != rec.LocalContentHash:
		chk.Status = CheckModified
	default:
		chk.Status = CheckOK
	}
	return chk
}

// unlistedFiles walks root for regular files not in listed.
func unlistedFiles(root string, listed map[string]bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !listed[filepath.Clean(path)] {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking evidence: %w", err)
	}
	return out, nil
}
