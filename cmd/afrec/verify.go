package main

import (
	"fmt"

	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/BadgerOps/afrec/internal/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	verifyCase string
	verifyAll  bool
)

var failedCellStyle = tableCellStyle.Bold(true).Foreground(lipgloss.Color("9"))

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash a case and compare with hashes.csv",
		Long: `Re-hash every evidence file listed in the case hashes.csv and compare
SHA-256, MD5, and the content hash with the recorded values. Files present
in evidence/ but not listed are reported too. The result is appended to the
case chain-of-custody ledger.

Exits non-zero when any listed file was modified or is missing.`,
		Example: `  afrec verify --case cases/2024-05-02_1b4e28ba
  afrec verify --case cases/2024-05-02_1b4e28ba --all`,
		RunE: verifyRun,
	}

	cmd.Flags().StringVar(&verifyCase, "case", "", "case directory to verify (required)")
	cmd.Flags().BoolVar(&verifyAll, "all", false, "list every file, not only failures")

	if err := cmd.MarkFlagRequired("case"); err != nil {
		panic(err)
	}

	return cmd
}

func verifyRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	res, err := globalEngine.Verify(cmd.Context(), verifyCase, session.LocalUser())
	if res == nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if out := renderChecks(res.Checks, verifyAll); out != "" {
		fmt.Println(out)
	}
	fmt.Printf("Verified %s:\n", res.Case.ID)
	if res.AcquiredBy != "" {
		fmt.Printf("  Acquired by: %s (session %s)\n", res.AcquiredBy, res.SessionID)
	}
	fmt.Printf("  Checked: %d\n", len(res.Checks))
	fmt.Printf("  Modified: %d\n", res.Mismatched)
	fmt.Printf("  Missing: %d\n", res.Missing)
	if res.NotHashed > 0 {
		fmt.Printf("  Never hashed: %d\n", res.NotHashed)
	}
	if len(res.Unlisted) > 0 {
		fmt.Printf("  Not in %s: %d\n", engine.HashesFile, len(res.Unlisted))
		for _, p := range res.Unlisted {
			fmt.Printf("  - %s\n", p)
		}
	}
	if len(res.NotAcquired) > 0 {
		fmt.Printf("  Inventoried but not acquired: %d\n", len(res.NotAcquired))
		for _, p := range res.NotAcquired {
			fmt.Printf("  - %s\n", p)
		}
	}
	if res.Passed() {
		fmt.Println("PASSED")
	} else {
		fmt.Println("FAILED")
	}

	return err
}

// renderChecks renders failed checks, or all of them with all set. It
// returns "" when there is nothing to show.
func renderChecks(checks []engine.Check, all bool) string {
	var shown []engine.Check
	for _, c := range checks {
		if all || c.Status != engine.CheckOK {
			shown = append(shown, c)
		}
	}
	if len(shown) == 0 {
		return ""
	}

	rows := make([][]string, 0, len(shown))
	for _, c := range shown {
		rows = append(rows, []string{c.LocalPath, string(c.Status), shortHash(c.Expected), shortHash(c.Actual)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("path_local", "status", "expected_sha256", "actual_sha256").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col == 1 && row >= 0 && row < len(shown) && shown[row].Status != engine.CheckOK {
				return failedCellStyle
			}
			return tableCellStyle
		})
	return t.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
