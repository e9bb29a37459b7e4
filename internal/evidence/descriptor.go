// Package evidence holds the remote object metadata and the transfer error
// classes shared by the remote adapter, the transfer orchestrator and the
// integrity builder.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Descriptor is the remote service's metadata for one file. It is immutable;
// build it with NewDescriptor.
type Descriptor struct {
	path           string
	id             string
	size           int64
	serverModified time.Time
	clientModified time.Time
	rev            string
	contentHash    string
}

// Fields is the input to NewDescriptor.
type Fields struct {
	Path           string
	ID             string
	Size           int64
	ServerModified time.Time
	ClientModified time.Time
	Rev            string
	ContentHash    string
}

// NewDescriptor validates f and returns a Descriptor.
func NewDescriptor(f Fields) (Descriptor, error) {
	switch {
	case f.Path == "" || !strings.HasPrefix(f.Path, "/"):
		return Descriptor{}, fmt.Errorf("evidence: path %q must be absolute", f.Path)
	case f.ID == "":
		return Descriptor{}, fmt.Errorf("evidence: %s: empty id", f.Path)
	case f.Size < 0:
		return Descriptor{}, fmt.Errorf("evidence: %s: negative size %d", f.Path, f.Size)
	case f.Rev == "":
		return Descriptor{}, fmt.Errorf("evidence: %s: empty revision", f.Path)
	}
	return Descriptor{
		path:           f.Path,
		id:             f.ID,
		size:           f.Size,
		serverModified: f.ServerModified.UTC(),
		clientModified: f.ClientModified.UTC(),
		rev:            f.Rev,
		contentHash:    strings.ToLower(f.ContentHash),
	}, nil
}

func (d Descriptor) Path() string              { return d.path }
func (d Descriptor) ID() string                { return d.id }
func (d Descriptor) Size() int64               { return d.size }
func (d Descriptor) ServerModified() time.Time { return d.serverModified }
func (d Descriptor) ClientModified() time.Time { return d.clientModified }
func (d Descriptor) Rev() string               { return d.rev }

// ContentHash is the remote-reported content hash, or "" when the service
// did not report one.
func (d Descriptor) ContentHash() string { return d.contentHash }

// Fields returns a copy of the descriptor's values.
func (d Descriptor) Fields() Fields {
	return Fields{
		Path:           d.path,
		ID:             d.id,
		Size:           d.size,
		ServerModified: d.serverModified,
		ClientModified: d.clientModified,
		Rev:            d.rev,
		ContentHash:    d.contentHash,
	}
}

type descriptorJSON struct {
	Path           string     `json:"path"`
	ID             string     `json:"id"`
	Size           int64      `json:"size"`
	ServerModified *time.Time `json:"server_modified,omitempty"`
	ClientModified *time.Time `json:"client_modified,omitempty"`
	Rev            string     `json:"rev"`
	ContentHash    string     `json:"content_hash,omitempty"`
}

// MarshalJSON writes the inventory form of the descriptor.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := descriptorJSON{
		Path:        d.path,
		ID:          d.id,
		Size:        d.size,
		Rev:         d.rev,
		ContentHash: d.contentHash,
	}
	if !d.serverModified.IsZero() {
		t := d.serverModified
		out.ServerModified = &t
	}
	if !d.clientModified.IsZero() {
		t := d.clientModified
		out.ClientModified = &t
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the inventory form and validates it like NewDescriptor.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var in descriptorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	f := Fields{Path: in.Path, ID: in.ID, Size: in.Size, Rev: in.Rev, ContentHash: in.ContentHash}
	if in.ServerModified != nil {
		f.ServerModified = *in.ServerModified
	}
	if in.ClientModified != nil {
		f.ClientModified = *in.ClientModified
	}
	parsed, err := NewDescriptor(f)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TotalSize sums the sizes of ds.
func TotalSize(ds []Descriptor) int64 {
	var n int64
	for _, d := range ds {
		n += d.size
	}
	return n
}

var errNoDescriptors = errors.New("evidence: no descriptors")

// Span returns the earliest and latest server-modified times in ds.
func Span(ds []Descriptor) (oldest, newest time.Time, err error) {
	if len(ds) == 0 {
		return time.Time{}, time.Time{}, errNoDescriptors
	}
	oldest, newest = ds[0].serverModified, ds[0].serverModified
	for _, d := range ds[1:] {
		if d.serverModified.Before(oldest) {
			oldest = d.serverModified
		}
		if d.serverModified.After(newest) {
			newest = d.serverModified
		}
	}
	return oldest, newest, nil
}
