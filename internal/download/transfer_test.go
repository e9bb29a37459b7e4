package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/retry"
)

// step is one scripted Fetch response: write body, then return err.
type step struct {
	body string
	err  error
}

// fakeFetcher replays a script per remote path. Once a script is exhausted
// the last step repeats.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]step
	calls   map[string]int
}

func newFakeFetcher(scripts map[string][]step) *fakeFetcher {
	return &fakeFetcher{scripts: scripts, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, d evidence.Descriptor, w io.Writer) error {
	f.mu.Lock()
	script := f.scripts[d.Path()]
	n := f.calls[d.Path()]
	f.calls[d.Path()] = n + 1
	f.mu.Unlock()

	if len(script) == 0 {
		return evidence.Fatal(errors.New("no such object"))
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	s := script[n]
	if s.body != "" {
		if _, err := io.WriteString(w, s.body); err != nil {
			return err
		}
	}
	return s.err
}

func (f *fakeFetcher) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func testDescriptor(t *testing.T, path string, size int64) evidence.Descriptor {
	t.Helper()
	d, err := evidence.NewDescriptor(evidence.Fields{
		Path:           path,
		ID:             "id:" + path,
		Size:           size,
		ServerModified: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Rev:            "rev1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(f Fetcher, workers int, sleep *recordedSleep) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f, Options{
		Policy:  retry.DefaultPolicy(),
		Workers: workers,
		Sleep:   sleep.Sleep,
	}, logger)
}

func TestTransferTransientThenSuccess(t *testing.T) {
	root := t.TempDir()
	ff := newFakeFetcher(map[string][]step{
		"/Cases/a.txt": {
			{body: "hel", err: evidence.Transient(io.ErrUnexpectedEOF)},
			{err: evidence.Transient(errors.New("429 too_many_requests"))},
			{body: "hello"},
		},
	})
	sleep := &recordedSleep{}
	o := newTestOrchestrator(ff, 1, sleep)

	report := o.TransferAll(context.Background(), []evidence.Descriptor{testDescriptor(t, "/Cases/a.txt", 5)}, root)

	if !report.Complete() || len(report.Succeeded) != 1 {
		t.Fatalf("expected success, got %+v", report.Failed)
	}
	got := report.Succeeded[0]
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	data, err := os.ReadFile(filepath.Join(root, "Cases", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	// A failed attempt must never leave bytes in front of the final content.
	if string(data) != "hello" {
		t.Errorf("file content = %q, want %q", data, "hello")
	}
	if _, err := os.Stat(root + StagingSuffix); !os.IsNotExist(err) {
		t.Error("staging directory left behind")
	}

	want := []time.Duration{1500 * time.Millisecond, 3 * time.Second}
	if len(sleep.delays) != len(want) || sleep.delays[0] != want[0] || sleep.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", sleep.delays, want)
	}
}

func TestTransferFatalStopsImmediately(t *testing.T) {
	root := t.TempDir()
	ff := newFakeFetcher(map[string][]step{
		"/gone.txt": {{err: evidence.Fatal(errors.New("path/not_found"))}},
		"/ok1.txt":  {{body: "one"}},
		"/ok2.txt":  {{body: "two"}},
	})
	sleep := &recordedSleep{}
	o := newTestOrchestrator(ff, 1, sleep)

	ds := []evidence.Descriptor{
		testDescriptor(t, "/ok1.txt", 3),
		testDescriptor(t, "/gone.txt", 10),
		testDescriptor(t, "/ok2.txt", 3),
	}
	report := o.TransferAll(context.Background(), ds, root)

	if len(report.Succeeded) != 2 || len(report.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 2/1", len(report.Succeeded), len(report.Failed))
	}
	fail := report.Failed[0]
	if fail.State != StateFailedFatal {
		t.Errorf("state = %s, want %s", fail.State, StateFailedFatal)
	}
	if fail.Attempts != 1 || ff.Calls("/gone.txt") != 1 {
		t.Errorf("fatal item attempted %d times (fetcher saw %d), want 1", fail.Attempts, ff.Calls("/gone.txt"))
	}
	if !errors.Is(fail.Err, evidence.ErrFatalTransfer) {
		t.Errorf("error = %v, want ErrFatalTransfer", fail.Err)
	}
	if len(sleep.delays) != 0 {
		t.Errorf("fatal failure should not back off, slept %v", sleep.delays)
	}
	if report.Succeeded[0].Descriptor.Path() != "/ok1.txt" || report.Succeeded[1].Descriptor.Path() != "/ok2.txt" {
		t.Error("succeeded items out of input order")
	}
	if _, err := os.Stat(filepath.Join(root, "gone.txt")); !os.IsNotExist(err) {
		t.Error("failed item should not produce a file")
	}
}

func TestTransferTransientExhausted(t *testing.T) {
	ff := newFakeFetcher(map[string][]step{
		"/flaky.bin": {{err: errors.New("connection reset by peer")}},
	})
	sleep := &recordedSleep{}
	o := newTestOrchestrator(ff, 1, sleep)

	report := o.TransferAll(context.Background(), []evidence.Descriptor{testDescriptor(t, "/flaky.bin", 1)}, t.TempDir())

	if len(report.Failed) != 1 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	fail := report.Failed[0]
	if fail.State != StateFailedTransientExhausted {
		t.Errorf("state = %s, want %s", fail.State, StateFailedTransientExhausted)
	}
	if fail.Attempts != 6 || ff.Calls("/flaky.bin") != 6 {
		t.Errorf("attempts = %d (fetcher %d), want 6", fail.Attempts, ff.Calls("/flaky.bin"))
	}
	if len(sleep.delays) != 5 {
		t.Errorf("expected 5 backoff waits, got %v", sleep.delays)
	}
}

func TestTransferSizeMismatchIsRetried(t *testing.T) {
	root := t.TempDir()
	ff := newFakeFetcher(map[string][]step{
		"/doc.txt": {{body: "trunc"}, {body: "complete"}},
	})
	o := newTestOrchestrator(ff, 1, &recordedSleep{})

	report := o.TransferAll(context.Background(), []evidence.Descriptor{testDescriptor(t, "/doc.txt", 8)}, root)
	if !report.Complete() {
		t.Fatalf("expected success, got %v", report.Failed[0])
	}
	if report.Succeeded[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", report.Succeeded[0].Attempts)
	}
	data, _ := os.ReadFile(filepath.Join(root, "doc.txt"))
	if string(data) != "complete" {
		t.Errorf("content = %q", data)
	}
}

func TestTransferReplacesExistingFiles(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "Cases", "a.txt")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("old content that is longer"), 0o644); err != nil {
		t.Fatal(err)
	}

	ff := newFakeFetcher(map[string][]step{"/Cases/a.txt": {{body: "new"}}})
	o := newTestOrchestrator(ff, 1, &recordedSleep{})
	report := o.TransferAll(context.Background(), []evidence.Descriptor{testDescriptor(t, "/Cases/a.txt", 3)}, root)
	if !report.Complete() {
		t.Fatalf("unexpected failure: %v", report.Failed)
	}

	data, _ := os.ReadFile(dest)
	if string(data) != "new" {
		t.Errorf("content = %q, want %q", data, "new")
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

// Remote names that look like temporary files are ordinary evidence.
func TestTransferKeepsFilesNamedLikeTempFiles(t *testing.T) {
	root := t.TempDir()
	ff := newFakeFetcher(map[string][]step{
		"/a.partial":     {{body: "twelve bytes"}},
		"/a":             {{body: "abc"}},
		"/a.staging":     {{body: "sib"}},
		"/.staging/xfer": {{err: evidence.Transient(errors.New("503"))}, {body: "x"}},
	})
	o := newTestOrchestrator(ff, 1, &recordedSleep{})

	ds := []evidence.Descriptor{
		testDescriptor(t, "/a.partial", 12),
		testDescriptor(t, "/a", 3),
		testDescriptor(t, "/a.staging", 3),
		testDescriptor(t, "/.staging/xfer", 1),
	}
	report := o.TransferAll(context.Background(), ds, root)
	if !report.Complete() || len(report.Succeeded) != 4 {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}

	want := map[string]string{
		"a.partial":                       "twelve bytes",
		"a":                               "abc",
		"a.staging":                       "sib",
		filepath.Join(".staging", "xfer"): "x",
	}
	for rel, content := range want {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			t.Errorf("%s: %v", rel, err)
			continue
		}
		if string(data) != content {
			t.Errorf("%s content = %q, want %q", rel, data, content)
		}
	}
}

func TestTransferStagingDirOption(t *testing.T) {
	root := filepath.Join(t.TempDir(), "evidence")
	staging := filepath.Join(filepath.Dir(root), "in-flight")

	var seen []string
	ff := &scriptedFetcher{fn: func(d evidence.Descriptor, w io.Writer) error {
		entries, _ := os.ReadDir(staging)
		for _, e := range entries {
			seen = append(seen, e.Name())
		}
		_, err := io.WriteString(w, "abc")
		return err
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(ff, Options{StagingDir: staging, Sleep: (&recordedSleep{}).Sleep}, logger)

	report := o.TransferAll(context.Background(), []evidence.Descriptor{testDescriptor(t, "/doc.txt", 3)}, root)
	if !report.Complete() {
		t.Fatalf("unexpected failure: %v", report.Failed)
	}
	if len(seen) != 1 || !strings.HasPrefix(seen[0], "xfer-") {
		t.Errorf("staging entries during fetch = %v", seen)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("empty staging directory should be removed")
	}
	if entries, _ := os.ReadDir(root); len(entries) != 1 || entries[0].Name() != "doc.txt" {
		t.Errorf("root holds %v, want only doc.txt", entries)
	}
}

type scriptedFetcher struct {
	fn func(d evidence.Descriptor, w io.Writer) error
}

func (s *scriptedFetcher) Fetch(ctx context.Context, d evidence.Descriptor, w io.Writer) error {
	return s.fn(d, w)
}

func TestTransferEndToEndWithWorkers(t *testing.T) {
	root := t.TempDir()
	ff := newFakeFetcher(map[string][]step{
		"/evidence/one.txt":     {{body: "first"}},
		"/evidence/sub/two.txt": {{err: evidence.Transient(errors.New("503"))}, {body: "second"}},
		"/evidence/three.txt":   {{err: evidence.Fatal(errors.New("403 forbidden"))}},
	})
	o := newTestOrchestrator(ff, 3, &recordedSleep{})

	ds := []evidence.Descriptor{
		testDescriptor(t, "/evidence/one.txt", 5),
		testDescriptor(t, "/evidence/sub/two.txt", 6),
		testDescriptor(t, "/evidence/three.txt", 9),
	}
	report := o.TransferAll(context.Background(), ds, root)

	if len(report.Succeeded) != 2 || len(report.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 2/1", len(report.Succeeded), len(report.Failed))
	}
	if report.Failed[0].Descriptor.Path() != "/evidence/three.txt" {
		t.Errorf("unexpected failed item %s", report.Failed[0].Descriptor.Path())
	}
	if report.Bytes() != 11 {
		t.Errorf("Bytes() = %d, want 11", report.Bytes())
	}
	for _, tr := range report.Succeeded {
		if !strings.HasPrefix(tr.LocalPath, root) {
			t.Errorf("%s written outside root", tr.LocalPath)
		}
	}
	if data, _ := os.ReadFile(filepath.Join(root, "evidence", "sub", "two.txt")); string(data) != "second" {
		t.Errorf("two.txt content = %q", data)
	}
}

func TestTransferStateTransitions(t *testing.T) {
	ff := newFakeFetcher(map[string][]step{
		"/a": {{body: "a"}},
		"/b": {{err: evidence.Fatal(errors.New("nope"))}},
	})

	var mu sync.Mutex
	seen := map[string][]State{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(ff, Options{
		Sleep: (&recordedSleep{}).Sleep,
		OnState: func(d evidence.Descriptor, s State) {
			mu.Lock()
			seen[d.Path()] = append(seen[d.Path()], s)
			mu.Unlock()
		},
	}, logger)

	o.TransferAll(context.Background(), []evidence.Descriptor{testDescriptor(t, "/a", 1), testDescriptor(t, "/b", 1)}, t.TempDir())

	want := map[string][]State{
		"/a": {StatePending, StateInProgress, StateSucceeded},
		"/b": {StatePending, StateInProgress, StateFailedFatal},
	}
	for path, states := range want {
		got := seen[path]
		if len(got) != len(states) {
			t.Fatalf("%s states = %v, want %v", path, got, states)
		}
		for i := range states {
			if got[i] != states[i] {
				t.Errorf("%s state[%d] = %s, want %s", path, i, got[i], states[i])
			}
		}
		if !got[len(got)-1].Terminal() {
			t.Errorf("%s did not end in a terminal state", path)
		}
	}
}

func TestTransferCancelledContext(t *testing.T) {
	ff := newFakeFetcher(map[string][]step{"/a": {{body: "a"}}, "/b": {{body: "b"}}})
	o := newTestOrchestrator(ff, 1, &recordedSleep{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := o.TransferAll(ctx, []evidence.Descriptor{testDescriptor(t, "/a", 1), testDescriptor(t, "/b", 1)}, t.TempDir())
	if len(report.Failed) != 2 {
		t.Fatalf("expected every item to fail, got %+v", report)
	}
	for _, f := range report.Failed {
		if f.State != StateFailedFatal || f.Attempts != 0 {
			t.Errorf("%s: state=%s attempts=%d", f.Descriptor.Path(), f.State, f.Attempts)
		}
	}
	if ff.Calls("/a")+ff.Calls("/b") != 0 {
		t.Error("fetcher should not be called with a cancelled context")
	}
}

func TestNewClampsWorkers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if o := New(nil, Options{Workers: 0}, logger); o.workers != 1 {
		t.Errorf("workers = %d, want 1", o.workers)
	}
	if o := New(nil, Options{Workers: 64}, logger); o.workers != MaxWorkers {
		t.Errorf("workers = %d, want %d", o.workers, MaxWorkers)
	}
	if o := New(nil, Options{}, logger); o.policy != retry.DefaultPolicy() {
		t.Errorf("policy = %+v, want default", o.policy)
	}
}
