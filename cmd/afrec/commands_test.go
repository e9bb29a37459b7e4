package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/afrec/internal/config"
	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/download"
	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/integrity"
	"github.com/BadgerOps/afrec/internal/store"
	"github.com/BadgerOps/afrec/internal/vault"
	"github.com/spf13/cobra"
)

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

// writeTestCase builds a case directory with one evidence file listed in
// hashes.csv.
func writeTestCase(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "2024-05-02_1b4e28ba")
	evidenceDir := filepath.Join(dir, engine.EvidenceDirName, "Cases")
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(evidenceDir, "a.txt")
	if err := os.WriteFile(local, []byte("exhibit A"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := evidence.NewDescriptor(evidence.Fields{
		Path: "/Cases/a.txt", ID: "id:a", Size: 9, Rev: "015a", ServerModified: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := integrity.Build(local, d)
	rec.LocalPath = "evidence/Cases/a.txt"

	f, err := os.Create(filepath.Join(dir, engine.HashesFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := integrity.WriteCSV(f, []integrity.Record{rec}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestConfigShowRunRedactsSecret(t *testing.T) {
	useGlobals(t)
	cfg := config.DefaultConfig()
	cfg.Dropbox.AppKey = "key"
	cfg.Dropbox.AppSecret = "s3cret-value"
	globalCfg = cfg

	out := captureStdout(t, func() {
		if err := configShowRun(nil, nil); err != nil {
			t.Fatalf("configShowRun: %v", err)
		}
	})

	if strings.Contains(out, "s3cret-value") {
		t.Fatalf("secret printed: %s", out)
	}
	if !strings.Contains(out, "********") {
		t.Fatalf("expected masked secret, got: %s", out)
	}
	if cfg.Dropbox.AppSecret != "s3cret-value" {
		t.Fatal("redaction modified the loaded config")
	}
}

func TestConfigShowRunNoConfig(t *testing.T) {
	useGlobals(t)
	globalCfg = nil
	if err := configShowRun(nil, nil); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestAuthRunRequiresAppCredentials(t *testing.T) {
	useGlobals(t)
	globalCfg = config.DefaultConfig()

	err := authRun(testCmd(), nil)
	if err == nil || !strings.Contains(err.Error(), "app key") {
		t.Fatalf("expected app key error, got: %v", err)
	}
}

func TestAuthRunReplacesExistingVault(t *testing.T) {
	useGlobals(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth2/token":
			_ = r.ParseForm()
			if r.Form.Get("code") != "the-code" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, `{"access_token":"sl.fresh","refresh_token":"refresh-2","expires_in":14400,"account_id":"dbid:1"}`)
		case "/2/users/get_current_account":
			_, _ = io.WriteString(w, `{"account_id":"dbid:1","email":"jane@example.com","name":{"display_name":"Jane Examiner"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Dropbox.AppKey, cfg.Dropbox.AppSecret = "key", "secret"
	cfg.Dropbox.APIURL, cfg.Dropbox.ContentURL = srv.URL, srv.URL
	cfg.Dropbox.AuthorizeURL = srv.URL + "/oauth2/authorize"
	cfg.Paths.SecretsDir = t.TempDir()
	globalCfg = cfg
	passphrase = "correct horse"
	authCode = "the-code"
	t.Cleanup(func() { authCode = "" })

	v := vault.New(cfg.VaultPath())
	if err := v.Save(vault.Bundle{AccessToken: "sl.old", RefreshToken: "refresh-1"}, "old passphrase"); err != nil {
		t.Fatal(err)
	}

	captureStdout(t, func() {
		if err := authRun(testCmd(), nil); err != nil {
			t.Fatalf("authRun: %v", err)
		}
	})

	bundle, err := v.Load("correct horse")
	if err != nil {
		t.Fatalf("vault not replaced: %v", err)
	}
	if bundle.AccessToken != "sl.fresh" || bundle.RefreshToken != "refresh-2" {
		t.Errorf("bundle = %+v", bundle)
	}

	entries, err := custody.ReadAll(filepath.Join(cfg.Paths.SecretsDir, authLedgerFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Details["replaced"] != true || entries[0].Actor != "Jane Examiner" {
		t.Errorf("auth ledger = %+v", entries)
	}
}

func TestStatusRunEmpty(t *testing.T) {
	useGlobals(t)
	globalEngine, _ = newTestEngine(t)
	statusFailed = false
	t.Cleanup(func() { statusFailed = false })

	out := captureStdout(t, func() {
		if err := statusRun(testCmd(), nil); err != nil {
			t.Fatalf("statusRun: %v", err)
		}
	})

	if !strings.Contains(out, "Acquisitions: 0") {
		t.Errorf("expected zero totals, got: %s", out)
	}
	if !strings.Contains(out, "No acquisitions recorded.") {
		t.Errorf("expected empty message, got: %s", out)
	}
}

func TestStatusRunShowsAcquisitionsAndFailures(t *testing.T) {
	useGlobals(t)
	var st *store.Store
	globalEngine, st = newTestEngine(t)

	acq := &store.Acquisition{
		CaseID:           "2024-05-02_1b4e28ba",
		SessionID:        "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Actor:            "Jane Examiner",
		RootPath:         "/Cases",
		CaseDir:          "/evidence/2024-05-02_1b4e28ba",
		StartTime:        time.Now().Add(-time.Hour).UTC(),
		FilesInventoried: 3,
		FilesDownloaded:  2,
		FilesFailed:      1,
		BytesTransferred: 2048,
		Status:           store.StatusPartial,
	}
	if err := st.CreateAcquisition(acq); err != nil {
		t.Fatal(err)
	}
	if err := st.AddFailedItem(&store.FailedItem{
		AcquisitionID: acq.ID,
		RemotePath:    "/Cases/c.zip",
		RemoteID:      "id:c",
		State:         "failed_fatal",
		Attempts:      1,
		Error:         "path/not_found",
		FailedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t, func() {
		if err := statusRun(testCmd(), nil); err != nil {
			t.Fatalf("statusRun: %v", err)
		}
	})

	for _, want := range []string{"2024-05-02_1b4e28ba", "Jane Examiner", "partial", "2.0 KiB", "/Cases/c.zip", "path/not_found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusRunCaseDetail(t *testing.T) {
	useGlobals(t)
	var st *store.Store
	globalEngine, st = newTestEngine(t)
	statusCase = "/evidence/2024-05-02_1b4e28ba/"
	t.Cleanup(func() { statusCase = "" })

	acq := &store.Acquisition{
		CaseID:           "2024-05-02_1b4e28ba",
		SessionID:        "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Actor:            "Jane Examiner",
		RootPath:         "/Cases",
		CaseDir:          "/evidence/2024-05-02_1b4e28ba",
		StartTime:        time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
		FilesInventoried: 1,
		FilesDownloaded:  1,
		BytesTransferred: 9,
		Status:           store.StatusCompleted,
	}
	if err := st.CreateAcquisition(acq); err != nil {
		t.Fatal(err)
	}
	if err := st.AddIntegrityRows(acq.ID, []store.IntegrityRow{{
		RemotePath: "/Cases/a.txt",
		LocalPath:  "evidence/Cases/a.txt",
		Size:       9,
		SHA256:     "5d41402abc4b2a76b9719d911017c592aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Verdict:    "matched",
	}}); err != nil {
		t.Fatal(err)
	}
	if err := st.AddVerification(&store.Verification{
		AcquisitionID: acq.ID,
		CaseID:        acq.CaseID,
		VerifiedAt:    time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC),
		FilesChecked:  1,
		Mismatched:    1,
	}); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t, func() {
		if err := statusRun(testCmd(), nil); err != nil {
			t.Fatalf("statusRun: %v", err)
		}
	})
	for _, want := range []string{"Case 2024-05-02_1b4e28ba", "Jane Examiner", "/Cases/a.txt", "5d41402abc4b", "matched", "2024-05-03T09:00:00Z FAILED: 1 checked, 1 modified"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	statusCase = "2099-01-01_00000000"
	if err := statusRun(testCmd(), nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown case: got %v, want ErrNotFound", err)
	}
}

func TestCustodyRunPrintsEntries(t *testing.T) {
	useGlobals(t)
	globalCfg = config.DefaultConfig()
	dir := t.TempDir()
	custodyCase, custodyAuth, custodyJSON = dir, false, false
	t.Cleanup(func() { custodyCase, custodyAuth, custodyJSON = "", false, false })

	ledger, err := custody.Open(filepath.Join(dir, engine.LedgerFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Append(custody.NewEntry("Jane Examiner", custody.ActionPreview, map[string]any{"path": "/Cases", "count": 2})); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Append(custody.NewEntry("Jane Examiner", custody.ActionAcquire, map[string]any{"phase": "start"})); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t, func() {
		if err := custodyRun(testCmd(), nil); err != nil {
			t.Fatalf("custodyRun: %v", err)
		}
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "PREVIEW") || !strings.Contains(lines[1], "ACQUIRE") {
		t.Errorf("entries out of order:\n%s", out)
	}
	if !strings.Contains(lines[0], `"count":2`) {
		t.Errorf("details missing:\n%s", out)
	}
}

func TestCustodyRunAuthLedgerJSON(t *testing.T) {
	useGlobals(t)
	cfg := config.DefaultConfig()
	cfg.Paths.SecretsDir = t.TempDir()
	globalCfg = cfg
	custodyCase, custodyAuth, custodyJSON = "", true, true
	t.Cleanup(func() { custodyCase, custodyAuth, custodyJSON = "", false, false })

	ledger, err := custody.Open(filepath.Join(cfg.Paths.SecretsDir, authLedgerFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Append(custody.NewEntry("Jane Examiner", custody.ActionAuth, map[string]any{"token_fingerprint": "0123456789abcdef"})); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t, func() {
		if err := custodyRun(testCmd(), nil); err != nil {
			t.Fatalf("custodyRun: %v", err)
		}
	})

	if !strings.Contains(out, `"action":"AUTH"`) || !strings.Contains(out, `"token_fingerprint":"0123456789abcdef"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestVerifyRun(t *testing.T) {
	useGlobals(t)
	globalEngine, _ = newTestEngine(t)
	dir := writeTestCase(t)
	verifyCase, verifyAll = dir, true
	t.Cleanup(func() { verifyCase, verifyAll = "", false })

	out := captureStdout(t, func() {
		if err := verifyRun(testCmd(), nil); err != nil {
			t.Fatalf("verifyRun: %v", err)
		}
	})
	if !strings.Contains(out, "PASSED") {
		t.Fatalf("expected PASSED, got: %s", out)
	}
	if strings.Contains(out, "Acquired by") {
		t.Errorf("case without session.json should not name an actor: %s", out)
	}

	if err := os.WriteFile(filepath.Join(dir, "evidence", "Cases", "a.txt"), []byte("exhibit B"), 0o644); err != nil {
		t.Fatal(err)
	}
	verifyAll = false
	var runErr error
	out = captureStdout(t, func() {
		runErr = verifyRun(testCmd(), nil)
	})
	if !errors.Is(runErr, engine.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got: %v", runErr)
	}
	if !strings.Contains(out, "modified") || !strings.Contains(out, "FAILED") {
		t.Errorf("expected modified file in output, got: %s", out)
	}
}

func TestExportRun(t *testing.T) {
	useGlobals(t)
	globalEngine, _ = newTestEngine(t)
	dir := writeTestCase(t)
	outDir := t.TempDir()
	exportCase, exportTo = dir, outDir
	t.Cleanup(func() { exportCase, exportTo = "", "" })

	out := captureStdout(t, func() {
		if err := exportRun(testCmd(), nil); err != nil {
			t.Fatalf("exportRun: %v", err)
		}
	})

	archive := filepath.Join(outDir, "2024-05-02_1b4e28ba.tar.zst")
	if !strings.Contains(out, archive) {
		t.Errorf("archive path missing from output: %s", out)
	}
	for _, p := range []string{archive, archive + ".sha256"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
}

func TestVerifyRunReportsNotHashedRow(t *testing.T) {
	useGlobals(t)
	globalEngine, _ = newTestEngine(t)
	dir := writeTestCase(t)
	verifyCase, verifyAll = dir, false
	t.Cleanup(func() { verifyCase, verifyAll = "", false })

	rec := integrity.Record{
		LocalPath:  "evidence/Cases/a.txt",
		RemotePath: "/Cases/a.txt",
		Size:       9,
		Verdict:    integrity.NotApplicable,
		Error:      "reading input: input/output error",
	}
	f, err := os.Create(filepath.Join(dir, engine.HashesFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := integrity.WriteCSV(f, []integrity.Record{rec}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var runErr error
	out := captureStdout(t, func() {
		runErr = verifyRun(testCmd(), nil)
	})
	if !errors.Is(runErr, engine.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got: %v", runErr)
	}
	if !strings.Contains(out, "not_hashed") || !strings.Contains(out, "Never hashed: 1") {
		t.Errorf("expected not_hashed row, got: %s", out)
	}
	if !strings.Contains(out, "Modified: 0") {
		t.Errorf("row without digests counted as modified: %s", out)
	}
}

func TestProgressLine(t *testing.T) {
	tr := engine.NewTracker("2024-05-02_1b4e28ba")
	tr.SetTotals(4, 4096)
	tr.SetPhase(engine.PhaseDownloading)
	d, err := evidence.NewDescriptor(evidence.Fields{Path: "/a.pdf", ID: "id:a", Size: 2048, Rev: "1"})
	if err != nil {
		t.Fatal(err)
	}
	tr.Observe(d, download.StateSucceeded)

	line := progressLine(tr.Snapshot())
	for _, want := range []string{"downloading", "1/4 files", "0 failed", "2.0 KiB of 4.0 KiB", "(25%)"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line missing %q: %s", want, line)
		}
	}
}

func TestReportProgressUntilCancelled(t *testing.T) {
	tr := engine.NewTracker("case")
	tr.SetTotals(2, 10)

	var calls int
	active := func() *engine.Tracker {
		calls++
		if calls == 1 {
			return nil
		}
		return tr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var buf strings.Builder
	done := make(chan struct{})
	go func() {
		reportProgress(ctx, &buf, 5*time.Millisecond, active)
		close(done)
	}()
	<-done

	if calls < 2 {
		t.Fatalf("tracker polled %d times", calls)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != calls-1 {
		t.Errorf("wrote %d lines for %d polls with a tracker", len(lines), calls-1)
	}
	if !strings.Contains(lines[0], "0/2 files") {
		t.Errorf("unexpected line %q", lines[0])
	}
}

func TestSpanLine(t *testing.T) {
	if got := spanLine(nil); got != "" {
		t.Errorf("spanLine(nil) = %q", got)
	}
	var items []evidence.Descriptor
	for i, ts := range []time.Time{
		time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC),
	} {
		d, err := evidence.NewDescriptor(evidence.Fields{Path: fmt.Sprintf("/f%d.pdf", i), ID: "id", Size: 1, Rev: "1", ServerModified: ts})
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, d)
	}
	if got, want := spanLine(items), "Modified 2024-01-02 08:30 to 2024-03-31 18:00 (UTC)"; got != want {
		t.Errorf("spanLine() = %q, want %q", got, want)
	}
}

func TestRenderItemsLimit(t *testing.T) {
	var items []evidence.Descriptor
	for _, name := range []string{"/a.pdf", "/b.pdf", "/c.pdf"} {
		d, err := evidence.NewDescriptor(evidence.Fields{Path: name, ID: "id" + name, Size: 1536, Rev: "1"})
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, d)
	}

	out := renderItems(items, 2)
	if !strings.Contains(out, "/a.pdf") || !strings.Contains(out, "/b.pdf") {
		t.Errorf("expected first two items:\n%s", out)
	}
	if strings.Contains(out, "/c.pdf") {
		t.Errorf("third item should be elided:\n%s", out)
	}
	if !strings.Contains(out, "1 more") {
		t.Errorf("expected elision row:\n%s", out)
	}
	if !strings.Contains(out, "1.5 KiB") {
		t.Errorf("expected humanized size:\n%s", out)
	}

	if all := renderItems(items, 0); !strings.Contains(all, "/c.pdf") {
		t.Errorf("limit 0 should show all:\n%s", all)
	}
}
