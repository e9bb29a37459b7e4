package engine

import "time"

// ExportManifest describes a case archive for transfer. It is written next
// to the archive as <case>.manifest.json.
type ExportManifest struct {
	Version       string         `json:"version"`
	Created       time.Time      `json:"created"`
	SourceHost    string         `json:"source_host"`
	Actor         string         `json:"actor"`
	CaseID        string         `json:"case_id"`
	Archive       ManifestFile   `json:"archive"`
	TotalSize     int64          `json:"total_size"`
	FileInventory []ManifestFile `json:"file_inventory"`
}

// ManifestFile is one entry in the manifest.
type ManifestFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}
