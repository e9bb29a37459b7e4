// Package integrity builds the per-file integrity record that ties a local
// evidence copy to the remote object it came from.
package integrity

import (
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/hashing"
)

// Verdict compares the local and remote content hashes.
type Verdict string

const (
	Matched       Verdict = "matched"
	Mismatched    Verdict = "mismatched"
	NotApplicable Verdict = "not-applicable"
)

// CSV renders the verdict in the hashes.csv column form.
func (v Verdict) CSV() string {
	switch v {
	case Matched:
		return "yes"
	case Mismatched:
		return "no"
	default:
		return "n/a"
	}
}

// ParseVerdict accepts either the CSV form or the Verdict string.
func ParseVerdict(s string) Verdict {
	switch s {
	case "yes", string(Matched):
		return Matched
	case "no", string(Mismatched):
		return Mismatched
	default:
		return NotApplicable
	}
}

// Record is the integrity record for one acquired file.
type Record struct {
	LocalPath         string
	RemotePath        string
	Size              int64
	SHA256            string
	MD5               string
	LocalContentHash  string
	RemoteContentHash string
	Verdict           Verdict
	ServerModified    time.Time
	Rev               string
	ID                string
	// Error holds the local hashing failure, if any.
	Error string
}

// Build hashes localPath and compares it against d. A hashing failure is
// reported in the record rather than returned, with Verdict NotApplicable.
func Build(localPath string, d evidence.Descriptor) Record {
	rec := Record{
		LocalPath:         localPath,
		RemotePath:        d.Path(),
		Size:              d.Size(),
		RemoteContentHash: d.ContentHash(),
		ServerModified:    d.ServerModified(),
		Rev:               d.Rev(),
		ID:                d.ID(),
	}

	digests, err := hashing.File(localPath)
	if err != nil {
		rec.Error = err.Error()
		rec.Verdict = NotApplicable
		return rec
	}

	rec.SHA256 = digests.SHA256
	rec.MD5 = digests.MD5
	rec.LocalContentHash = digests.ContentHash
	rec.Verdict = compare(rec.LocalContentHash, rec.RemoteContentHash)
	return rec
}

func compare(local, remote string) Verdict {
	switch {
	case local == "" || remote == "":
		return NotApplicable
	case local == remote:
		return Matched
	default:
		return Mismatched
	}
}

// Summary counts records by verdict.
type Summary struct {
	Total         int `json:"total"`
	Matched       int `json:"matched"`
	Mismatched    int `json:"mismatched"`
	NotApplicable int `json:"not_applicable"`
}

// Summarize tallies records.
func Summarize(records []Record) Summary {
	s := Summary{Total: len(records)}
	for _, r := range records {
		switch r.Verdict {
		case Matched:
			s.Matched++
		case Mismatched:
			s.Mismatched++
		default:
			s.NotApplicable++
		}
	}
	return s
}
