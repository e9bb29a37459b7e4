package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/BadgerOps/afrec/internal/integrity"
	"github.com/BadgerOps/afrec/internal/remote"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	acquirePath string
	acquireExt  string
	acquireFrom string
	acquireTo   string

	acquireProgress time.Duration
)

func newAcquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Download and hash evidence into a new case directory",
		Long: `Download every file under a Dropbox folder that matches the filters into
a new case directory, hash each file with SHA-256, MD5, and the Dropbox
content hash, and compare the content hash with the one Dropbox reports.

Transient failures (rate limiting, server errors, dropped connections) are
retried with exponential backoff. Files that still fail are listed in
summary.json and the command exits non-zero.`,
		Example: `  afrec acquire --path /Cases/2024-017
  afrec acquire --path /Cases --ext pdf,docx --from 2024-01-01 --to 2024-03-31
  afrec acquire --path /Shared --cases-dir /evidence`,
		RunE: acquireRun,
	}

	cmd.Flags().StringVar(&acquirePath, "path", "", "Dropbox folder to acquire (\"\" or / for the whole account)")
	cmd.Flags().StringVar(&acquireExt, "ext", "", "comma-separated list of extensions to include")
	cmd.Flags().StringVar(&acquireFrom, "from", "", "earliest server-modified date")
	cmd.Flags().StringVar(&acquireTo, "to", "", "latest server-modified date")
	cmd.Flags().DurationVar(&acquireProgress, "progress", 10*time.Second, "interval between progress lines on stderr (0 disables)")

	return cmd
}

func acquireRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	filter, err := remote.NewFilter(acquireExt, acquireFrom, acquireTo)
	if err != nil {
		return err
	}

	fmt.Printf("Acquiring %s as %s...\n", displayRoot(acquirePath), globalSession.Actor)

	progressCtx, stopProgress := context.WithCancel(cmd.Context())
	var wg sync.WaitGroup
	if acquireProgress > 0 && !quiet {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportProgress(progressCtx, os.Stderr, acquireProgress, globalEngine.ActiveProgress)
		}()
	}

	res, err := globalEngine.Acquire(cmd.Context(), engine.Request{
		Root:        acquirePath,
		Filter:      filter,
		Session:     globalSession,
		Fingerprint: globalFingerprint,
	})
	stopProgress()
	wg.Wait()
	if res == nil {
		return fmt.Errorf("acquisition failed: %w", err)
	}

	s := res.Summary
	if len(res.Records) > 0 {
		fmt.Println(integrity.RenderTable(res.Records))
	}
	status := "complete"
	if !s.Complete {
		status = "INCOMPLETE"
	}
	fmt.Printf("Acquisition %s:\n", status)
	fmt.Printf("  Case: %s\n", res.Case.Dir)
	fmt.Printf("  Files: %d of %d downloaded, %d failed\n", s.FilesDownloaded, s.FilesInventoried, s.FilesFailed)
	fmt.Printf("  Transferred: %s\n", humanize.IBytes(uint64(s.BytesTransferred)))
	fmt.Printf("  Content hash: %d match, %d mismatch, %d n/a\n", s.Integrity.Matched, s.Integrity.Mismatched, s.Integrity.NotApplicable)
	fmt.Printf("  Duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	fmt.Printf("  Hashes: %s\n", s.HashesCSV)
	if s.HashErrors > 0 {
		fmt.Printf("  Not hashed: %d (see the error column of %s)\n", s.HashErrors, engine.HashesFile)
	}

	if len(s.Failures) > 0 {
		fmt.Println()
		fmt.Println("Failed files:")
		for _, f := range s.Failures {
			fmt.Printf("  - %s (%s after %d attempt(s)): %s\n", f.Path, f.State, f.Attempts, f.Error)
		}
	}

	if errors.Is(err, engine.ErrIncomplete) {
		return err
	}
	if err != nil {
		return fmt.Errorf("acquisition failed: %w", err)
	}
	return nil
}

func displayRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// reportProgress writes a progress line every interval until ctx is done.
func reportProgress(ctx context.Context, w io.Writer, interval time.Duration, active func() *engine.Tracker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t := active(); t != nil {
				fmt.Fprintln(w, progressLine(t.Snapshot()))
			}
		}
	}
}

func progressLine(p engine.Progress) string {
	return fmt.Sprintf("[%s] %s: %d/%d files, %d failed, %d in flight, %s of %s (%.0f%%)",
		p.Elapsed, p.Phase,
		p.CompletedFiles, p.TotalFiles, p.FailedFiles, p.InProgress,
		humanize.IBytes(uint64(p.BytesDone)), humanize.IBytes(uint64(p.TotalBytes)),
		p.Percent,
	)
}
