package engine

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/session"
)

// Case directory layout.
const (
	EvidenceDirName   = "evidence"
	HashesFile        = "hashes.csv"
	InventoryJSONFile = "inventory.json"
	InventoryCSVFile  = "inventory.csv"
	SessionFile       = "session.json"
	SummaryFile       = "summary.json"
	LogFile           = "log.txt"
	LedgerFile        = "chain_of_custody.jsonl"

	// StagingDirName holds in-flight downloads, outside evidence/.
	StagingDirName = ".staging"
)

// inventoryColumns is the inventory.csv header.
var inventoryColumns = []string{"path_display", "id", "size", "client_modified", "server_modified", "rev", "content_hash"}

// Case is one case directory on disk.
type Case struct {
	ID  string
	Dir string
}

// NewCase creates the case directory for s under casesDir.
func NewCase(casesDir string, s session.Session) (*Case, error) {
	root, err := filepath.Abs(casesDir)
	if err != nil {
		return nil, fmt.Errorf("resolving cases directory: %w", err)
	}
	c := &Case{ID: s.CaseID(), Dir: filepath.Join(root, s.CaseID())}
	if err := os.MkdirAll(c.EvidenceDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating case directory: %w", err)
	}
	return c, nil
}

// OpenCase opens an existing case directory.
func OpenCase(dir string) (*Case, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("opening case: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening case: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening case: %s is not a directory", dir)
	}
	return &Case{ID: filepath.Base(dir), Dir: dir}, nil
}

func (c *Case) path(name string) string { return filepath.Join(c.Dir, name) }

func (c *Case) EvidenceDir() string   { return c.path(EvidenceDirName) }
func (c *Case) HashesPath() string    { return c.path(HashesFile) }
func (c *Case) SessionPath() string   { return c.path(SessionFile) }
func (c *Case) SummaryPath() string   { return c.path(SummaryFile) }
func (c *Case) LogPath() string       { return c.path(LogFile) }
func (c *Case) LedgerPath() string    { return c.path(LedgerFile) }
func (c *Case) InventoryPath() string { return c.path(InventoryJSONFile) }
func (c *Case) StagingDir() string    { return c.path(StagingDirName) }

// Rel returns p relative to the case directory when it lies inside it.
func (c *Case) Rel(p string) string {
	rel, err := filepath.Rel(c.Dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}

// Resolve maps a path recorded in hashes.csv back onto disk.
func (c *Case) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, filepath.FromSlash(p))
}

// WriteInventory writes inventory.json and inventory.csv.
func (c *Case) WriteInventory(items []evidence.Descriptor) error {
	if items == nil {
		items = []evidence.Descriptor{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling inventory: %w", err)
	}
	if err := os.WriteFile(c.path(InventoryJSONFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing inventory json: %w", err)
	}

	f, err := os.Create(c.path(InventoryCSVFile))
	if err != nil {
		return fmt.Errorf("creating inventory csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(inventoryColumns); err != nil {
		return fmt.Errorf("writing inventory csv: %w", err)
	}
	for _, d := range items {
		if err := w.Write([]string{
			d.Path(),
			d.ID(),
			strconv.FormatInt(d.Size(), 10),
			formatTime(d.ClientModified()),
			formatTime(d.ServerModified()),
			d.Rev(),
			d.ContentHash(),
		}); err != nil {
			return fmt.Errorf("writing inventory csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing inventory csv: %w", err)
	}
	return f.Close()
}

// ReadInventory reads inventory.json back.
func (c *Case) ReadInventory() ([]evidence.Descriptor, error) {
	data, err := os.ReadFile(c.path(InventoryJSONFile))
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	var items []evidence.Descriptor
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	return items, nil
}

// writeJSON writes v as indented JSON to a case file.
func (c *Case) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	if err := os.WriteFile(c.path(name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
