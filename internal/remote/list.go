package remote

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
)

const listLimit = 2000

// Filter restricts a listing. Zero values match everything.
type Filter struct {
	// Extensions match case-insensitively, with or without a leading dot.
	Extensions []string
	// From and To bound server_modified, both inclusive.
	From time.Time
	To   time.Time
}

// NewFilter builds a Filter from CLI-style inputs: a comma-separated
// extension list and optional dates in YYYY-MM-DD or RFC 3339 form.
// A date-only To covers the whole of that day.
func NewFilter(exts, from, to string) (Filter, error) {
	var f Filter
	for _, e := range strings.Split(exts, ",") {
		if e = normalizeExt(e); e != "" {
			f.Extensions = append(f.Extensions, e)
		}
	}

	var err error
	if f.From, err = parseDate(from, false); err != nil {
		return Filter{}, fmt.Errorf("--from: %w", err)
	}
	if f.To, err = parseDate(to, true); err != nil {
		return Filter{}, fmt.Errorf("--to: %w", err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Filter{}, fmt.Errorf("date range is empty: %s is after %s", from, to)
	}
	return f, nil
}

func parseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

func normalizeExt(e string) string {
	e = strings.ToLower(strings.TrimSpace(e))
	if e == "" || e == "." {
		return ""
	}
	if !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}

// Match reports whether d passes the filter.
func (f Filter) Match(d evidence.Descriptor) bool {
	if len(f.Extensions) > 0 {
		ext := strings.ToLower(path.Ext(d.Path()))
		ok := false
		for _, want := range f.Extensions {
			if normalizeExt(want) == ext {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	mod := d.ServerModified()
	if !f.From.IsZero() && mod.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && mod.After(f.To) {
		return false
	}
	return true
}

type listFolderArg struct {
	Path                        string `json:"path"`
	Recursive                   bool   `json:"recursive"`
	IncludeNonDownloadableFiles bool   `json:"include_non_downloadable_files"`
	IncludeDeleted              bool   `json:"include_deleted"`
	Limit                       int    `json:"limit"`
}

type listFolderContinueArg struct {
	Cursor string `json:"cursor"`
}

type listFolderResult struct {
	Entries []entry `json:"entries"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"has_more"`
}

type entry struct {
	Tag            string `json:".tag"`
	PathDisplay    string `json:"path_display"`
	ID             string `json:"id"`
	Size           int64  `json:"size"`
	ServerModified string `json:"server_modified"`
	ClientModified string `json:"client_modified"`
	Rev            string `json:"rev"`
	ContentHash    string `json:"content_hash"`
}

// ListFolder lists every file under root, recursively, following cursors
// until the listing is exhausted. Folders are skipped. root "/" or ""
// lists the whole account.
func (c *Client) ListFolder(ctx context.Context, root string, filter Filter) ([]evidence.Descriptor, error) {
	root = strings.TrimSpace(root)
	if root == "/" {
		root = ""
	}
	if root != "" && !strings.HasPrefix(root, "/") {
		root = "/" + root
	}

	var page listFolderResult
	err := c.rpc(ctx, "/2/files/list_folder", listFolderArg{
		Path:                        strings.TrimRight(root, "/"),
		Recursive:                   true,
		IncludeNonDownloadableFiles: true,
		Limit:                       listLimit,
	}, &page)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", root, err)
	}

	out := []evidence.Descriptor{}
	pages := 1
	for {
		for _, e := range page.Entries {
			if e.Tag != "file" {
				continue
			}
			d, err := e.descriptor()
			if err != nil {
				return nil, err
			}
			if filter.Match(d) {
				out = append(out, d)
			}
		}
		if !page.HasMore {
			break
		}
		cursor := page.Cursor
		page = listFolderResult{}
		if err := c.rpc(ctx, "/2/files/list_folder/continue", listFolderContinueArg{Cursor: cursor}, &page); err != nil {
			return nil, fmt.Errorf("listing %q page %d: %w", root, pages+1, err)
		}
		pages++
	}

	c.logger.Debug("listing complete", "root", root, "pages", pages, "files", len(out))
	return out, nil
}

func (e entry) descriptor() (evidence.Descriptor, error) {
	f := evidence.Fields{
		Path:        e.PathDisplay,
		ID:          e.ID,
		Size:        e.Size,
		Rev:         e.Rev,
		ContentHash: e.ContentHash,
	}
	var err error
	if f.ServerModified, err = parseTimestamp(e.ServerModified); err != nil {
		return evidence.Descriptor{}, fmt.Errorf("%s: server_modified: %w", e.PathDisplay, err)
	}
	if f.ClientModified, err = parseTimestamp(e.ClientModified); err != nil {
		return evidence.Descriptor{}, fmt.Errorf("%s: client_modified: %w", e.PathDisplay, err)
	}
	return evidence.NewDescriptor(f)
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
