package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/BadgerOps/afrec/internal/retry"
)

func validFields() Fields {
	return Fields{
		Path:           "/Cases/Report.PDF",
		ID:             "id:abc123",
		Size:           2048,
		ServerModified: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		ClientModified: time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC),
		Rev:            "015f0a",
		ContentHash:    "ABCDEF",
	}
}

func TestNewDescriptorValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Fields)
		ok     bool
	}{
		{"valid", func(*Fields) {}, true},
		{"no content hash", func(f *Fields) { f.ContentHash = "" }, true},
		{"zero size", func(f *Fields) { f.Size = 0 }, true},
		{"empty path", func(f *Fields) { f.Path = "" }, false},
		{"relative path", func(f *Fields) { f.Path = "Cases/a.txt" }, false},
		{"empty id", func(f *Fields) { f.ID = "" }, false},
		{"negative size", func(f *Fields) { f.Size = -1 }, false},
		{"empty rev", func(f *Fields) { f.Rev = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFields()
			tt.mutate(&f)
			_, err := NewDescriptor(f)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDescriptorAccessors(t *testing.T) {
	d, err := NewDescriptor(validFields())
	if err != nil {
		t.Fatal(err)
	}
	if d.Path() != "/Cases/Report.PDF" || d.ID() != "id:abc123" || d.Size() != 2048 || d.Rev() != "015f0a" {
		t.Errorf("unexpected descriptor: %+v", d.Fields())
	}
	if d.ContentHash() != "abcdef" {
		t.Errorf("ContentHash() = %q, want lower-cased", d.ContentHash())
	}
}

func TestDescriptorJSONRoundtrip(t *testing.T) {
	d, err := NewDescriptor(validFields())
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}

	var back Descriptor
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Fields() != d.Fields() {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", back.Fields(), d.Fields())
	}
}

func TestDescriptorUnmarshalValidates(t *testing.T) {
	var d Descriptor
	if err := json.Unmarshal([]byte(`{"path":"relative","id":"x","size":1,"rev":"r"}`), &d); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestTotalSizeAndSpan(t *testing.T) {
	mk := func(size int64, day int) Descriptor {
		f := validFields()
		f.Size = size
		f.ServerModified = time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC)
		d, err := NewDescriptor(f)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}
	ds := []Descriptor{mk(10, 5), mk(20, 2), mk(30, 9)}

	if got := TotalSize(ds); got != 60 {
		t.Errorf("TotalSize() = %d, want 60", got)
	}
	oldest, newest, err := Span(ds)
	if err != nil {
		t.Fatal(err)
	}
	if oldest.Day() != 2 || newest.Day() != 9 {
		t.Errorf("Span() = %v..%v", oldest, newest)
	}
	if _, _, err := Span(nil); err == nil {
		t.Error("expected error for empty span")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"transient", Transient(io.ErrUnexpectedEOF), retry.Transient},
		{"fatal", Fatal(errors.New("not_found")), retry.Fatal},
		{"wrapped fatal", fmt.Errorf("fetch: %w", Fatal(errors.New("denied"))), retry.Fatal},
		{"unclassified", errors.New("connection reset"), retry.Transient},
		{"canceled", context.Canceled, retry.Fatal},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), retry.Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifiedUnwrap(t *testing.T) {
	err := Transient(io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrTransientTransfer) {
		t.Error("expected ErrTransientTransfer")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected cause to be preserved")
	}
	if errors.Is(err, ErrFatalTransfer) {
		t.Error("transient error should not match ErrFatalTransfer")
	}
}
