package integrity

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	mismatchStyle = cellStyle.Bold(true).Foreground(lipgloss.Color("9"))
	matchStyle    = cellStyle.Foreground(lipgloss.Color("10"))
)

const verdictColumn = 3

// RenderTable renders records for a terminal. Content hashes are shortened
// to 12 characters; the CSV carries them in full.
func RenderTable(records []Record) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.RemotePath,
			humanize.IBytes(uint64(r.Size)),
			short(r.LocalContentHash),
			r.Verdict.CSV(),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("path_dropbox", "size", "content_hash", "match").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == verdictColumn && row >= 0 && row < len(records) {
				switch records[row].Verdict {
				case Mismatched:
					return mismatchStyle
				case Matched:
					return matchStyle
				}
			}
			return cellStyle
		})
	return t.String()
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
