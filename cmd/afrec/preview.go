package main

import (
	"fmt"

	"github.com/BadgerOps/afrec/internal/engine"
	"github.com/BadgerOps/afrec/internal/evidence"
	"github.com/BadgerOps/afrec/internal/remote"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	previewPath  string
	previewExt   string
	previewFrom  string
	previewTo    string
	previewSave  bool
	previewLimit int
)

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newPreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "List what an acquisition would collect",
		Long: `List the files under a Dropbox folder that match the filters, without
downloading anything. With --save (the default) the inventory, the session,
and a PREVIEW custody entry are written to a new case directory.

Extensions are matched case-insensitively, a leading dot is optional. Dates
accept YYYY-MM-DD or RFC 3339 and bound the server-modified time
inclusively.`,
		Example: `  afrec preview --path /Cases/2024-017
  afrec preview --path /Cases --ext pdf,.DOCX --from 2024-01-01
  afrec preview --path / --save=false --limit 0`,
		RunE: previewRun,
	}

	cmd.Flags().StringVar(&previewPath, "path", "", "Dropbox folder to list (\"\" or / for the whole account)")
	cmd.Flags().StringVar(&previewExt, "ext", "", "comma-separated list of extensions to include")
	cmd.Flags().StringVar(&previewFrom, "from", "", "earliest server-modified date")
	cmd.Flags().StringVar(&previewTo, "to", "", "latest server-modified date")
	cmd.Flags().BoolVar(&previewSave, "save", true, "write the inventory to a case directory")
	cmd.Flags().IntVar(&previewLimit, "limit", 50, "maximum rows to print (0 for all)")

	return cmd
}

func previewRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	filter, err := remote.NewFilter(previewExt, previewFrom, previewTo)
	if err != nil {
		return err
	}

	res, err := globalEngine.Preview(cmd.Context(), engine.Request{
		Root:        previewPath,
		Filter:      filter,
		Session:     globalSession,
		Fingerprint: globalFingerprint,
	}, previewSave)
	if err != nil {
		return fmt.Errorf("preview failed: %w", err)
	}

	fmt.Printf("%d file(s), %s\n", len(res.Items), humanize.IBytes(uint64(res.TotalSize)))
	if span := spanLine(res.Items); span != "" {
		fmt.Println(span)
	}
	if len(res.Items) > 0 {
		fmt.Println(renderItems(res.Items, previewLimit))
	}
	if res.Case != nil {
		fmt.Printf("Inventory saved to %s\n", res.Case.InventoryPath())
	}

	return nil
}

// spanLine describes the server-modified range of items, or "" when empty.
func spanLine(items []evidence.Descriptor) string {
	oldest, newest, err := evidence.Span(items)
	if err != nil {
		return ""
	}
	const layout = "2006-01-02 15:04"
	return fmt.Sprintf("Modified %s to %s (UTC)", oldest.UTC().Format(layout), newest.UTC().Format(layout))
}

// renderItems renders up to limit descriptors as a table; limit 0 shows all.
func renderItems(items []evidence.Descriptor, limit int) string {
	shown := items
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	rows := make([][]string, 0, len(shown)+1)
	for _, d := range shown {
		rows = append(rows, []string{
			d.Path(),
			humanize.IBytes(uint64(d.Size())),
			d.ServerModified().UTC().Format("2006-01-02 15:04"),
		})
	}
	if rest := len(items) - len(shown); rest > 0 {
		rows = append(rows, []string{fmt.Sprintf("... %d more", rest), "", ""})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("path_dropbox", "size", "server_modified").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
	return t.String()
}
