package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/download"
	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/logging"
	"github.com/BadgerOps/afrec/internal/remote"
	"github.com/BadgerOps/afrec/internal/store"
)

// Lister enumerates the remote objects under a folder.
type Lister interface {
	ListFolder(ctx context.Context, root string, filter remote.Filter) ([]evidence.Descriptor, error)
}

// Options configures a Manager.
type Options struct {
	CasesDir string
	Transfer download.Options
	Tool     string
}

// Manager runs preview, acquire, verify, and export against case
// directories, recording each run in the catalog and the custody ledger.
type Manager struct {
	lister  Lister
	fetcher download.Fetcher
	store   *store.Store
	opts    Options
	logger  *slog.Logger

	// activeTracker tracks progress for the running acquisition.
	trackerMu     sync.RWMutex
	activeTracker *Tracker
}

// NewManager creates a new Manager. st may be nil, in which case nothing
// is cataloged.
func NewManager(lister Lister, fetcher download.Fetcher, st *store.Store, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Tool == "" {
		opts.Tool = "afrec"
	}
	return &Manager{
		lister:  lister,
		fetcher: fetcher,
		store:   st,
		opts:    opts,
		logger:  logger,
	}
}

// ActiveProgress returns the tracker of the current or last acquisition, or nil.
func (m *Manager) ActiveProgress() *Tracker {
	m.trackerMu.RLock()
	defer m.trackerMu.RUnlock()
	return m.activeTracker
}

func (m *Manager) setTracker(t *Tracker) {
	m.trackerMu.Lock()
	defer m.trackerMu.Unlock()
	m.activeTracker = t
}

// caseLogger fans the manager's log stream out to the case log.txt as JSON.
func (m *Manager) caseLogger(c *Case) (*slog.Logger, io.Closer, error) {
	f, err := os.OpenFile(c.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening case log: %w", err)
	}
	h := logging.Tee(m.logger.Handler(), logging.NewHandler("debug", "json", f))
	return slog.New(h).With("case", c.ID), f, nil
}

// record appends one entry to the case ledger. A failed write aborts the
// calling operation.
func record(c *Case, actor, action string, details map[string]any) error {
	ledger, err := custody.Open(c.LedgerPath())
	if err != nil {
		return err
	}
	return ledger.Append(custody.NewEntry(actor, action, details))
}

// StatusReport is the catalog view used by the status command.
type StatusReport struct {
	Stats        store.Stats
	Acquisitions []store.Acquisition
	Failed       []store.FailedItem
	Exports      []store.Export
}

// Status summarizes the catalog; limit bounds each list.
func (m *Manager) Status(limit int) (*StatusReport, error) {
	if m.store == nil {
		return nil, fmt.Errorf("catalog not configured")
	}
	stats, err := m.store.Stats()
	if err != nil {
		return nil, err
	}
	acqs, err := m.store.ListAcquisitions(limit)
	if err != nil {
		return nil, err
	}
	failed, err := m.store.ListFailedItems(0)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	exports, err := m.store.ListExports(limit)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Stats: stats, Acquisitions: acqs, Failed: failed, Exports: exports}, nil
}

// CaseReport is the catalog view of one case.
type CaseReport struct {
	Acquisition   *store.Acquisition
	Integrity     []store.IntegrityRow
	Failed        []store.FailedItem
	Verifications []store.Verification
}

// CaseStatus returns the latest acquisition of caseID with its integrity
// rows, failed items, and verification history.
func (m *Manager) CaseStatus(caseID string) (*CaseReport, error) {
	if m.store == nil {
		return nil, fmt.Errorf("catalog not configured")
	}
	acq, err := m.store.GetAcquisitionByCase(caseID)
	if err != nil {
		return nil, err
	}
	rows, err := m.store.ListIntegrityRows(acq.ID)
	if err != nil {
		return nil, err
	}
	failed, err := m.store.ListFailedItems(acq.ID)
	if err != nil {
		return nil, err
	}
	checks, err := m.store.ListVerifications(caseID)
	if err != nil {
		return nil, err
	}
	return &CaseReport{Acquisition: acq, Integrity: rows, Failed: failed, Verifications: checks}, nil
}
