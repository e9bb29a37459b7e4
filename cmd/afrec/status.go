package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusLimit  int
	statusFailed bool
	statusCase   string
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display cataloged acquisitions, failures, and exports",
		Long: `Display the acquisition catalog: totals across all cases, the most
recent acquisitions with their file counts and outcome, files that failed to
download, and exports.

Use --failed to show only the failed files. With --case, show one case:
its latest acquisition, the cataloged hash of every file, and each
verification run against it.`,
		Example: `  afrec status
  afrec status --limit 5
  afrec status --failed
  afrec status --case 2024-05-02_1b4e28ba`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "maximum entries per section")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only failed files")
	cmd.Flags().StringVar(&statusCase, "case", "", "case ID or case directory to show in detail")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}
	if statusCase != "" {
		return caseStatusRun(filepath.Base(filepath.Clean(statusCase)))
	}

	report, err := globalEngine.Status(statusLimit)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	if !statusFailed {
		st := report.Stats
		fmt.Println("Catalog")
		fmt.Println("=======")
		fmt.Printf("  Acquisitions: %d\n", st.Acquisitions)
		fmt.Printf("  Files downloaded: %d (%s)\n", st.FilesDownloaded, humanize.IBytes(uint64(st.BytesTransferred)))
		fmt.Printf("  Files failed: %d\n", st.FilesFailed)
		fmt.Printf("  Verifications: %d (%d failed)\n", st.Verifications, st.FailedChecks)
		fmt.Printf("  Exports: %d\n", st.Exports)
		fmt.Println("")

		if len(report.Acquisitions) == 0 {
			fmt.Println("No acquisitions recorded.")
		} else {
			fmt.Printf("%-22s %-20s %8s %8s %10s %-10s %s\n", "Case", "Actor", "Files", "Failed", "Size", "Status", "Started")
			fmt.Println(strings.Repeat("-", 100))
			for _, a := range report.Acquisitions {
				fmt.Printf("%-22s %-20s %8d %8d %10s %-10s %s\n",
					a.CaseID,
					truncate(a.Actor, 20),
					a.FilesDownloaded,
					a.FilesFailed,
					humanize.IBytes(uint64(a.BytesTransferred)),
					a.Status,
					humanize.Time(a.StartTime),
				)
			}
		}
		fmt.Println("")
	}

	if len(report.Failed) > 0 {
		fmt.Println("Failed files:")
		for _, f := range report.Failed {
			fmt.Printf("  - %s [%s, %d attempt(s)] %s\n", f.RemotePath, f.State, f.Attempts, f.Error)
		}
		fmt.Println("")
	} else if statusFailed {
		fmt.Println("No failed files.")
	}

	if !statusFailed && len(report.Exports) > 0 {
		fmt.Println("Exports:")
		for _, e := range report.Exports {
			fmt.Printf("  - %s %s (%s, %d files) %s\n", e.CaseID, e.ArchivePath, humanize.IBytes(uint64(e.Size)), e.FileCount, e.Status)
		}
		fmt.Println("")
	}

	return nil
}

func caseStatusRun(caseID string) error {
	report, err := globalEngine.CaseStatus(caseID)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	a := report.Acquisition
	fmt.Printf("Case %s\n", a.CaseID)
	fmt.Println(strings.Repeat("=", len(a.CaseID)+5))
	fmt.Printf("  Directory: %s\n", a.CaseDir)
	fmt.Printf("  Actor: %s\n", a.Actor)
	fmt.Printf("  Root: %s\n", displayRoot(a.RootPath))
	fmt.Printf("  Status: %s\n", a.Status)
	if a.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", a.ErrorMessage)
	}
	fmt.Printf("  Files: %d of %d downloaded, %d failed (%s)\n", a.FilesDownloaded, a.FilesInventoried, a.FilesFailed, humanize.IBytes(uint64(a.BytesTransferred)))
	fmt.Printf("  Started: %s\n", a.StartTime.Format(time.RFC3339))
	fmt.Println("")

	if len(report.Integrity) > 0 {
		fmt.Printf("%-40s %10s %-16s %s\n", "File", "Size", "SHA-256", "Content hash")
		fmt.Println(strings.Repeat("-", 90))
		for _, r := range report.Integrity {
			fmt.Printf("%-40s %10s %-16s %s\n", truncate(r.RemotePath, 40), humanize.IBytes(uint64(r.Size)), shortHash(r.SHA256), r.Verdict)
		}
		fmt.Println("")
	}

	if len(report.Failed) > 0 {
		fmt.Println("Failed files:")
		for _, f := range report.Failed {
			fmt.Printf("  - %s [%s, %d attempt(s)] %s\n", f.RemotePath, f.State, f.Attempts, f.Error)
		}
		fmt.Println("")
	}

	if len(report.Verifications) == 0 {
		fmt.Println("Never verified.")
		return nil
	}
	fmt.Println("Verifications:")
	for _, v := range report.Verifications {
		result := "PASSED"
		if !v.Passed {
			result = "FAILED"
		}
		fmt.Printf("  - %s %s: %d checked, %d modified, %d missing\n", v.VerifiedAt.Format(time.RFC3339), result, v.FilesChecked, v.Mismatched, v.Missing)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
