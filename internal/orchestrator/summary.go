package orchestrator

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ndejong/schoolscan/internal/results"
)

// Summary is the end-of-run accounting for a batch.
type Summary struct {
	RunID     string
	State     string
	Total     int
	Skipped   int
	Processed int
	Matched   int
	Saved     int
	Counts    map[results.Status]int
	Elapsed   time.Duration
}

// Render writes a human-readable summary table.
func (s Summary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("schoolscan run %s (%s)", s.RunID, s.State))

	t.AppendRows([]table.Row{
		{"schools in roster", s.Total},
		{"skipped (already done)", s.Skipped},
		{"processed", s.Processed},
		{"with matches", s.Matched},
		{"results saved", s.Saved},
	})
	t.AppendSeparator()
	for _, status := range []results.Status{
		results.StatusSuccess,
		results.StatusNoURL,
		results.StatusScrapeFailed,
		results.StatusError,
	} {
		if n, ok := s.Counts[status]; ok {
			t.AppendRow(table.Row{string(status), n})
		}
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"elapsed", s.Elapsed.Round(time.Second)})
	if s.Processed > 0 && s.Elapsed > 0 {
		rate := float64(s.Processed) / s.Elapsed.Minutes()
		t.AppendRow(table.Row{"schools/minute", fmt.Sprintf("%.1f", rate)})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()
}
