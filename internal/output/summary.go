package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/tanq16/hanzo/internal/scheduler"
	"github.com/tanq16/hanzo/utils"
)

type Table struct {
	table *table.Table
}

func NewTable(headers []string) *Table {
	t := table.New().Headers(headers...)
	t = t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
		}
		return lipgloss.NewStyle().Padding(0, 1)
	})
	return &Table{table: t}
}

func (t *Table) Row(cells ...string) {
	t.table.Row(cells...)
}

func (t *Table) PrintTable() {
	fmt.Println(t.table.String())
}

// ShowSummary renders the per-file results table and totals after the live
// display has shut down.
func ShowSummary(sum *scheduler.Summary) {
	fmt.Println()
	tbl := NewTable([]string{"File", "Class", "Status", "Bytes", "Attempts"})
	verified, unverified := 0, 0
	var failures []scheduler.FileResult
	for _, r := range sum.Results {
		status := string(r.Status)
		if r.Status == scheduler.StatusVerified {
			verified++
			if r.Unverified {
				unverified++
				status = "verified (no digest)"
			}
		}
		if r.Err != nil && r.Status != scheduler.StatusVerified {
			failures = append(failures, r)
		}
		tbl.Row(r.Name, string(r.Class), status, utils.FormatBytes(uint64(r.Bytes)), strconv.Itoa(r.Attempts))
	}
	tbl.PrintTable()

	totals := fmt.Sprintf("Verified %d of %d %s %s fetched, %s reused %s %s",
		verified, len(sum.Results), StyleSymbols["bullet"],
		utils.FormatBytes(uint64(sum.TotalFetched)), utils.FormatBytes(uint64(sum.TotalReused)),
		StyleSymbols["bullet"], sum.Elapsed.Round(10*time.Millisecond).String())
	if sum.OK {
		fmt.Println(strings.Repeat(" ", 2) + success2Style.Render(totals))
	} else {
		fmt.Println(strings.Repeat(" ", 2) + errorStyle.Render(totals))
	}
	if unverified > 0 {
		fmt.Println(strings.Repeat(" ", 2) + warningStyle.Render(
			fmt.Sprintf("%d files had no published digest; their bytes were only size-checked", unverified)))
	}

	if len(failures) > 0 {
		fmt.Println()
		fmt.Println(strings.Repeat(" ", 2) + errorStyle.Bold(true).Render("Errors:"))
		for i, r := range failures {
			fmt.Printf("%s%s %s\n",
				strings.Repeat(" ", 4),
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				errorStyle.Render(fmt.Sprintf("%s: %v", r.Name, r.Err)))
		}
	}
	fmt.Println()
}
