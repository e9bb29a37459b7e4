package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/retry"
	"github.com/BadgerOps/afrec/internal/safety"
)

// MaxWorkers caps the number of concurrent transfers.
const MaxWorkers = 8

// StagingSuffix names the default staging directory, a sibling of the
// transfer root. In-flight files never live under the root itself, so no
// remote path can collide with one.
const StagingSuffix = ".staging"

// Fetcher streams the content of one remote object into w.
// Errors should be wrapped with evidence.Transient or evidence.Fatal;
// unwrapped errors are retried.
type Fetcher interface {
	Fetch(ctx context.Context, d evidence.Descriptor, w io.Writer) error
}

// State is the lifecycle of one item.
type State string

const (
	StatePending                  State = "pending"
	StateInProgress               State = "in_progress"
	StateSucceeded                State = "succeeded"
	StateFailedTransientExhausted State = "failed_transient_exhausted"
	StateFailedFatal              State = "failed_fatal"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedTransientExhausted, StateFailedFatal:
		return true
	}
	return false
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures an Orchestrator.
type Options struct {
	Policy  retry.Policy
	Workers int // 0 or 1 is sequential; capped at MaxWorkers
	Sleep   SleepFunc
	// StagingDir holds in-flight files. It must be on the same filesystem
	// as the root and outside it. Empty means root + StagingSuffix.
	StagingDir string
	// OnState, when set, observes every state change. Called from worker
	// goroutines when Workers > 1.
	OnState func(d evidence.Descriptor, s State)
}

// Transferred describes a file that landed on disk.
type Transferred struct {
	Descriptor evidence.Descriptor
	LocalPath  string
	Size       int64
	Attempts   int
	Duration   time.Duration
}

// Failure describes an item that did not land.
type Failure struct {
	Descriptor evidence.Descriptor
	State      State
	Attempts   int
	Err        error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", f.Descriptor.Path(), f.State, f.Attempts, f.Err)
}

// Report is the outcome of TransferAll. Both slices keep input order.
type Report struct {
	Succeeded []Transferred
	Failed    []Failure
}

// Complete reports whether every item succeeded.
func (r Report) Complete() bool {
	return len(r.Failed) == 0
}

// Bytes sums the sizes of the transferred files.
func (r Report) Bytes() int64 {
	var n int64
	for _, t := range r.Succeeded {
		n += t.Size
	}
	return n
}

// Orchestrator transfers remote objects to a local root with bounded
// retries, isolating failures per item.
type Orchestrator struct {
	fetcher Fetcher
	policy  retry.Policy
	workers int
	sleep   SleepFunc
	staging string
	onState func(evidence.Descriptor, State)
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(fetcher Fetcher, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Orchestrator{
		fetcher: fetcher,
		policy:  opts.Policy,
		workers: opts.Workers,
		sleep:   opts.Sleep,
		staging: opts.StagingDir,
		onState: opts.OnState,
		logger:  logger,
	}
}

// TransferAll downloads every descriptor to its mirrored path under root.
// A failing item never stops the others.
func (o *Orchestrator) TransferAll(ctx context.Context, ds []evidence.Descriptor, root string) Report {
	for _, d := range ds {
		o.setState(d, StatePending)
	}

	staging := o.stagingDir(root)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		o.logger.Error("creating staging directory", "dir", staging, "error", err)
	}
	// Only removed when every attempt cleaned up after itself.
	defer os.Remove(staging)

	pool := NewPool(func(ctx context.Context, d evidence.Descriptor, root string) Outcome {
		return o.transferOne(ctx, d, root, staging)
	}, o.workers, o.logger)
	outcomes := pool.Execute(ctx, ds, root)

	report := Report{
		Succeeded: []Transferred{},
		Failed:    []Failure{},
	}
	for _, out := range outcomes {
		if out.Failure != nil {
			report.Failed = append(report.Failed, *out.Failure)
			continue
		}
		report.Succeeded = append(report.Succeeded, *out.Transferred)
	}
	return report
}

// transferOne runs the attempt loop for a single item. All retry state is
// local to this call.
func (o *Orchestrator) transferOne(ctx context.Context, d evidence.Descriptor, root, staging string) Outcome {
	start := time.Now()
	log := o.logger.With("path", d.Path())

	o.setState(d, StateInProgress)

	dest, err := safety.MirrorPath(root, d.Path())
	if err != nil {
		return o.fail(d, StateFailedFatal, 0, fmt.Errorf("resolving destination: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return o.fail(d, StateFailedFatal, 0, fmt.Errorf("creating directory: %w", err))
	}

	var prev time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return o.fail(d, StateFailedFatal, attempt-1, err)
		}

		size, err := o.attempt(ctx, d, dest, staging)
		if err == nil {
			o.setState(d, StateSucceeded)
			log.Info("transfer completed", "bytes", size, "attempts", attempt)
			return Outcome{Transferred: &Transferred{
				Descriptor: d,
				LocalPath:  dest,
				Size:       size,
				Attempts:   attempt,
				Duration:   time.Since(start),
			}}
		}

		class := evidence.Classify(err)
		dec := o.policy.Next(attempt, prev, class)
		switch dec.Action {
		case retry.Abort:
			log.Error("transfer failed", "class", class, "attempts", attempt, "error", err)
			return o.fail(d, StateFailedFatal, attempt, err)
		case retry.GiveUp:
			log.Error("transfer retries exhausted", "attempts", attempt, "error", err)
			return o.fail(d, StateFailedTransientExhausted, attempt, err)
		}

		log.Warn("transfer attempt failed, retrying", "attempt", attempt, "delay", dec.Delay, "error", err)
		if err := o.sleep(ctx, dec.Delay); err != nil {
			return o.fail(d, StateFailedFatal, attempt, err)
		}
		prev = dec.Delay
	}
}

// attempt writes a fresh staging file and renames it over dest on success.
func (o *Orchestrator) attempt(ctx context.Context, d evidence.Descriptor, dest, staging string) (int64, error) {
	f, err := os.CreateTemp(staging, "xfer-*")
	if err != nil {
		return 0, evidence.Fatal(fmt.Errorf("creating staging file: %w", err))
	}
	partial := f.Name()

	cw := &countingWriter{w: f}
	if err := o.fetcher.Fetch(ctx, d, cw); err != nil {
		f.Close()
		_ = os.Remove(partial)
		return 0, err
	}

	if cw.n != d.Size() {
		f.Close()
		_ = os.Remove(partial)
		return 0, evidence.Transient(fmt.Errorf("size mismatch: got %d bytes, expected %d", cw.n, d.Size()))
	}

	if err := f.Chmod(0o644); err != nil {
		f.Close()
		_ = os.Remove(partial)
		return 0, evidence.Fatal(fmt.Errorf("chmod %s: %w", partial, err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(partial)
		return 0, evidence.Transient(fmt.Errorf("syncing %s: %w", partial, err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return 0, evidence.Transient(fmt.Errorf("closing %s: %w", partial, err))
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return 0, evidence.Fatal(fmt.Errorf("renaming into place: %w", err))
	}
	return cw.n, nil
}

func (o *Orchestrator) fail(d evidence.Descriptor, s State, attempts int, err error) Outcome {
	o.setState(d, s)
	return Outcome{Failure: &Failure{
		Descriptor: d,
		State:      s,
		Attempts:   attempts,
		Err:        err,
	}}
}

func (o *Orchestrator) setState(d evidence.Descriptor, s State) {
	if o.onState != nil {
		o.onState(d, s)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cancelled during backoff: %w", ctx.Err())
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (o *Orchestrator) stagingDir(root string) string {
	if o.staging != "" {
		return o.staging
	}
	return filepath.Clean(root) + StagingSuffix
}
