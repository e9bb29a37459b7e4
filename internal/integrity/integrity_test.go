package integrity

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/hashing"
)

func writeEvidence(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func descriptor(t *testing.T, size int64, contentHash string) evidence.Descriptor {
	t.Helper()
	d, err := evidence.NewDescriptor(evidence.Fields{
		Path:           "/Cases/report.pdf",
		ID:             "id:r1",
		Size:           size,
		ServerModified: time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC),
		Rev:            "0a1b",
		ContentHash:    contentHash,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func contentHashOf(t *testing.T, s string) string {
	t.Helper()
	h, err := hashing.ContentHash(strings.NewReader(s))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestBuildMatched(t *testing.T) {
	const body = "hello world\n"
	path := writeEvidence(t, body)

	rec := Build(path, descriptor(t, int64(len(body)), contentHashOf(t, body)))

	if rec.Verdict != Matched {
		t.Fatalf("verdict = %s, want matched", rec.Verdict)
	}
	if rec.SHA256 != "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447" {
		t.Errorf("sha256 = %s", rec.SHA256)
	}
	if rec.MD5 != "6f5902ac237024bdd0c176cb93063dc4" {
		t.Errorf("md5 = %s", rec.MD5)
	}
	if rec.LocalPath != path || rec.RemotePath != "/Cases/report.pdf" || rec.Rev != "0a1b" || rec.ID != "id:r1" {
		t.Errorf("metadata not carried over: %+v", rec)
	}
	if rec.Error != "" {
		t.Errorf("unexpected error %q", rec.Error)
	}
}

func TestBuildMismatched(t *testing.T) {
	path := writeEvidence(t, "tampered")
	rec := Build(path, descriptor(t, 8, contentHashOf(t, "original")))
	if rec.Verdict != Mismatched {
		t.Fatalf("verdict = %s, want mismatched", rec.Verdict)
	}
}

func TestBuildNoRemoteHash(t *testing.T) {
	path := writeEvidence(t, "data")
	rec := Build(path, descriptor(t, 4, ""))
	if rec.Verdict != NotApplicable {
		t.Fatalf("verdict = %s, want not-applicable", rec.Verdict)
	}
	if rec.LocalContentHash == "" {
		t.Error("local content hash should still be computed")
	}
}

func TestBuildMissingLocalFile(t *testing.T) {
	rec := Build(filepath.Join(t.TempDir(), "absent"), descriptor(t, 4, contentHashOf(t, "data")))
	if rec.Verdict != NotApplicable {
		t.Fatalf("verdict = %s, want not-applicable", rec.Verdict)
	}
	if rec.Error == "" {
		t.Error("expected hashing error to be recorded")
	}
	if rec.SHA256 != "" || rec.LocalContentHash != "" {
		t.Error("no digests should be set on failure")
	}
}

func TestVerdictCSV(t *testing.T) {
	for v, want := range map[Verdict]string{Matched: "yes", Mismatched: "no", NotApplicable: "n/a"} {
		if v.CSV() != want {
			t.Errorf("%s.CSV() = %q, want %q", v, v.CSV(), want)
		}
		if ParseVerdict(want) != v {
			t.Errorf("ParseVerdict(%q) = %s, want %s", want, ParseVerdict(want), v)
		}
	}
}

func TestWriteCSVColumnOrder(t *testing.T) {
	path := writeEvidence(t, "abc")
	rec := Build(path, descriptor(t, 3, contentHashOf(t, "abc")))

	var buf bytes.Buffer
	if err := WriteCSV(&buf, []Record{rec}); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	want := "path_local,path_dropbox,size,sha256,md5,dropbox_content_hash_local,dropbox_content_hash_remote,dropbox_hash_match,server_modified,rev,id,error"
	if got := strings.Join(rows[0], ","); got != want {
		t.Errorf("header = %s\nwant     %s", got, want)
	}
	if rows[1][7] != "yes" {
		t.Errorf("dropbox_hash_match = %q, want yes", rows[1][7])
	}
	if rows[1][8] != "2025-06-01T08:30:00Z" {
		t.Errorf("server_modified = %q", rows[1][8])
	}
}

func TestCSVRoundtrip(t *testing.T) {
	recs := []Record{
		Build(writeEvidence(t, "one"), descriptor(t, 3, contentHashOf(t, "one"))),
		Build(writeEvidence(t, "two"), descriptor(t, 3, "")),
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, recs); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records, want %d", len(got), len(recs))
	}
	for i := range recs {
		want := recs[i]
		if !got[i].ServerModified.Equal(want.ServerModified) {
			t.Errorf("record %d: server_modified %v, want %v", i, got[i].ServerModified, want.ServerModified)
		}
		g := got[i]
		g.ServerModified, want.ServerModified = time.Time{}, time.Time{}
		if g != want {
			t.Errorf("record %d:\n got %+v\nwant %+v", i, g, want)
		}
	}
}

func TestCSVKeepsHashError(t *testing.T) {
	rec := Build(filepath.Join(t.TempDir(), "gone.pdf"), descriptor(t, 3, contentHashOf(t, "abc")))
	if rec.Error == "" {
		t.Fatal("expected a hashing error")
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, []Record{rec}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no such file") {
		t.Errorf("error column not written:\n%s", buf.String())
	}
	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Error != rec.Error || got[0].SHA256 != "" {
		t.Errorf("read back %+v", got)
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"missing column": "path_local,size\n/x,1\n",
		"bad size":       strings.Join(Columns, ",") + "\n/l,/r,big,,,,,n/a,,r,i,\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Record{{Verdict: Matched}, {Verdict: Matched}, {Verdict: Mismatched}, {Verdict: NotApplicable}})
	if s.Total != 4 || s.Matched != 2 || s.Mismatched != 1 || s.NotApplicable != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable([]Record{{
		RemotePath:       "/Cases/report.pdf",
		Size:             2048,
		LocalContentHash: "0123456789abcdef0123",
		Verdict:          Mismatched,
	}})
	for _, want := range []string{"/Cases/report.pdf", "2.0 KiB", "0123456789ab", "no", "match"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef0123") {
		t.Error("content hash should be shortened in the table")
	}
}
