package result

import (
	"bytes"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Summary renders the recorded attempts as an ASCII table with a totals
// footer.
func Summary(records []Record, passed bool) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle("Cross-browser test results")
	t.AppendHeader(table.Row{"Platform", "Kind", "Browser", "URL", "Outcome", "Retried"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Platform", AutoMerge: true},
		{Name: "URL", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	failed := 0
	for _, record := range records {
		if record.Outcome.Failed() && !record.Retried {
			failed++
		}
		retried := ""
		if record.Retried {
			retried = fmt.Sprintf("yes (%d left)", record.RetriesLeft)
		}
		t.AppendRow(table.Row{
			record.Platform,
			record.Kind,
			record.Browser,
			record.URL,
			string(record.Outcome),
			retried,
		})
	}

	status := "PASS"
	if !passed {
		status = "FAIL"
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
	t.AppendFooter(table.Row{"TOTAL", "", fmt.Sprintf("%d attempts", len(records)), "", fmt.Sprintf("%d failed", failed), status})

	t.Render()
	return buf.String()
}
