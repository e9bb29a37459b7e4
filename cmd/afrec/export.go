package main

import (
	"fmt"
	"time"

	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/BadgerOps/afrec/internal/session"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	exportCase        string
	exportTo          string
	exportCompression string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Package a case directory for hand-off",
		Long: `Package a case directory into a single compressed tar archive for
hand-off to a laboratory or court. A .sha256 sidecar is written next to the
archive, along with a JSON manifest listing every file's SHA-256 and size.

The --to directory must be outside the case directory. The export is
appended to the case chain-of-custody ledger.`,
		Example: `  afrec export --case cases/2024-05-02_1b4e28ba --to /mnt/transfer
  afrec export --case cases/2024-05-02_1b4e28ba --to ./handoff --compression xz`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportCase, "case", "", "case directory to export (required)")
	cmd.Flags().StringVar(&exportTo, "to", "", "output directory for the archive (required)")
	cmd.Flags().StringVar(&exportCompression, "compression", engine.CompressionZstd, "compression format (zstd, gzip, xz, none)")

	for _, name := range []string{"case", "to"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	fmt.Printf("Exporting %s to %s...\n", exportCase, exportTo)

	report, err := globalEngine.Export(cmd.Context(), engine.ExportOptions{
		CaseDir:     exportCase,
		OutputDir:   exportTo,
		Actor:       session.LocalUser(),
		Compression: exportCompression,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Export complete:\n")
	fmt.Printf("  Archive: %s (%s)\n", report.ArchivePath, humanize.IBytes(uint64(report.Size)))
	fmt.Printf("  SHA-256: %s\n", report.SHA256)
	fmt.Printf("  Files: %d (%s uncompressed)\n", report.TotalFiles, humanize.IBytes(uint64(report.TotalSize)))
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Second))
	fmt.Printf("  Manifest: %s\n", report.ManifestPath)

	return nil
}
