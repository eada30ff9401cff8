package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

// printJSON writes v as indented JSON to stdout
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// renderTable prints a header row followed by rows
func renderTable(header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatCost(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func formatLimit(limit *float64) string {
	if limit == nil {
		return "unlimited"
	}
	return formatCost(*limit)
}

// truncate shortens s to n runes with an ellipsis
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
