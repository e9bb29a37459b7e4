package integrity

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Columns is the hashes.csv header, in order.
var Columns = []string{
	"path_local",
	"path_dropbox",
	"size",
	"sha256",
	"md5",
	"dropbox_content_hash_local",
	"dropbox_content_hash_remote",
	"dropbox_hash_match",
	"server_modified",
	"rev",
	"id",
	"error",
}

// WriteCSV writes records with the Columns header.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			return fmt.Errorf("writing %s: %w", r.RemotePath, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(r Record) []string {
	modified := ""
	if !r.ServerModified.IsZero() {
		modified = r.ServerModified.UTC().Format(time.RFC3339)
	}
	return []string{
		r.LocalPath,
		r.RemotePath,
		strconv.FormatInt(r.Size, 10),
		r.SHA256,
		r.MD5,
		r.LocalContentHash,
		r.RemoteContentHash,
		r.Verdict.CSV(),
		modified,
		r.Rev,
		r.ID,
		r.Error,
	}
}

// ReadCSV parses a file written by WriteCSV. Columns are located by header
// name, so reordered files still parse.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty integrity file")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	for _, name := range Columns {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var records []Record
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(name string) string { return fields[idx[name]] }

		size, err := strconv.ParseInt(get("size"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: size: %w", line, err)
		}
		var modified time.Time
		if s := get("server_modified"); s != "" {
			modified, err = time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, fmt.Errorf("line %d: server_modified: %w", line, err)
			}
		}

		records = append(records, Record{
			LocalPath:         get("path_local"),
			RemotePath:        get("path_dropbox"),
			Size:              size,
			SHA256:            get("sha256"),
			MD5:               get("md5"),
			LocalContentHash:  get("dropbox_content_hash_local"),
			RemoteContentHash: get("dropbox_content_hash_remote"),
			Verdict:           ParseVerdict(get("dropbox_hash_match")),
			ServerModified:    modified,
			Rev:               get("rev"),
			ID:                get("id"),
			Error:             get("error"),
		})
	}
	return records, nil
}
