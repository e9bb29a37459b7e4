// Package custody implements the chain-of-custody ledger: an append-only
// JSON Lines file with one entry per evidentiary action.
//
// The ledger has no remove or rewrite operation.
package custody

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action tags written by the CLI.
const (
	ActionAuth    = "AUTH"
	ActionPreview = "PREVIEW"
	ActionAcquire = "ACQUIRE"
	ActionVerify  = "VERIFY"
	ActionExport  = "EXPORT"
)

// ErrLedgerWrite wraps every failure to persist an entry. Callers must
// abort the enclosing action when they see it.
var ErrLedgerWrite = errors.New("custody: ledger write failed")

// Entry is one line of the ledger.
type Entry struct {
	TS      time.Time      `json:"ts"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
}

// NewEntry stamps an entry with the current UTC time.
func NewEntry(actor, action string, details map[string]any) Entry {
	if details == nil {
		details = map[string]any{}
	}
	return Entry{
		TS:      time.Now().UTC(),
		Actor:   actor,
		Action:  action,
		Details: details,
	}
}

// Ledger appends entries to a single file. A Ledger is safe for concurrent
// use; appends are serialized.
type Ledger struct {
	path string

	mu   sync.Mutex
	last time.Time
}

// Open prepares the ledger at path, creating its directory. The file itself
// is created by the first Append.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating directory: %v", ErrLedgerWrite, err)
	}

	l := &Ledger{path: path}
	entries, err := ReadAll(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	for _, e := range entries {
		if e.TS.After(l.last) {
			l.last = e.TS
		}
	}
	return l, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes entry as one line. The line is written with a single write
// call on an O_APPEND handle and synced before Append returns. Timestamps
// earlier than the last written one are raised to it so the file stays
// non-decreasing.
func (l *Ledger) Append(entry Entry) error {
	if entry.Actor == "" || entry.Action == "" {
		return fmt.Errorf("%w: entry requires actor and action", ErrLedgerWrite)
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.TS = entry.TS.UTC()
	if entry.TS.Before(l.last) {
		entry.TS = l.last
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encoding entry: %v", ErrLedgerWrite, err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync: %v", ErrLedgerWrite, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrLedgerWrite, err)
	}

	l.last = entry.TS
	return nil
}

// ReadAll parses every line of the ledger at path, in file order.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("custody: %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("custody: reading %s: %w", path, err)
	}
	return entries, nil
}
