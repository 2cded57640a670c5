package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/state"
)

const (
	maxCellWidth   = 24
	maxPreviewRows = 10
)

// tableColumns returns the union of row keys, ordered by first appearance
// with each row's keys sorted.
func tableColumns(rows []map[string]any) []string {
	var cols []string
	seen := make(map[string]bool)
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

func cellText(v any) string {
	if v == nil {
		return ""
	}
	s := strings.ReplaceAll(fmt.Sprint(v), "\n", " ")
	return runewidth.Truncate(s, maxCellWidth, "…")
}

// renderTable writes rows as an aligned text table, showing at most limit rows.
func renderTable(w io.Writer, rows []map[string]any, limit int) {
	if len(rows) == 0 {
		fmt.Fprintln(w, colorize(colorDim, "  (no rows)"))
		return
	}
	cols := tableColumns(rows)
	shown := rows
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = runewidth.StringWidth(cellText(c))
	}
	cells := make([][]string, len(shown))
	for r, row := range shown {
		cells[r] = make([]string, len(cols))
		for i, c := range cols {
			cells[r][i] = cellText(row[c])
			widths[i] = max(widths[i], runewidth.StringWidth(cells[r][i]))
		}
	}

	line := func(vals []string) string {
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = runewidth.FillRight(v, widths[i])
		}
		return "  " + strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	header := make([]string, len(cols))
	rule := make([]string, len(cols))
	for i, c := range cols {
		header[i] = cellText(c)
		rule[i] = strings.Repeat("─", widths[i])
	}
	fmt.Fprintln(w, colorize(colorBold, line(header)))
	fmt.Fprintln(w, colorize(colorDim, line(rule)))
	for _, row := range cells {
		fmt.Fprintln(w, line(row))
	}
	if len(rows) > len(shown) {
		fmt.Fprintln(w, colorize(colorDim, fmt.Sprintf("  … %d more rows", len(rows)-len(shown))))
	}
}

func renderCode(w io.Writer, code string) {
	fmt.Fprintln(w, colorize(colorDim, "┌─ code"))
	for _, l := range strings.Split(strings.TrimRight(code, "\n"), "\n") {
		fmt.Fprintln(w, colorize(colorDim, "│ ")+l)
	}
	fmt.Fprintln(w, colorize(colorDim, "└─"))
}

func renderRisks(w io.Writer, risks []string) {
	if len(risks) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorYellow, "Risks:"))
	for _, r := range risks {
		fmt.Fprintf(w, "  • %s\n", r)
	}
}

func renderAnalysis(w io.Writer, resp gateway.AnalysisResponse) {
	renderCode(w, resp.Code)
	if resp.Explanation != "" {
		fmt.Fprintln(w, resp.Explanation)
	}
	if resp.EstimatedRowsAffected != nil {
		fmt.Fprintf(w, "Estimated rows affected: %v\n", resp.EstimatedRowsAffected)
	}
	renderRisks(w, resp.Risks)
	if resp.CodeValid != nil && !*resp.CodeValid {
		fmt.Fprintln(w, colorize(colorRed, "Syntax error: "+resp.CodeSyntaxError))
	}
	if resp.IsSafe != nil && !*resp.IsSafe {
		fmt.Fprintln(w, colorize(colorRed, "Unsafe code: "+resp.SafetyWarning))
	}
	if len(resp.CodeSuggestions) > 0 {
		fmt.Fprintln(w, "Suggestions:")
		for _, s := range resp.CodeSuggestions {
			fmt.Fprintf(w, "  • %s\n", s)
		}
	}
}

func signed(n int) string {
	if n > 0 {
		return fmt.Sprintf("+%d", n)
	}
	return fmt.Sprint(n)
}

func renderExecution(w io.Writer, resp gateway.ExecutionResponse) {
	fmt.Fprintf(w, "Rows:    %s → %s (%s)\n",
		humanize.Comma(int64(resp.RowsBefore)), humanize.Comma(int64(resp.RowsAfter)), signed(resp.RowsAfter-resp.RowsBefore))
	if resp.ColumnsBefore != 0 || resp.ColumnsAfter != 0 {
		fmt.Fprintf(w, "Columns: %d → %d (%s)\n", resp.ColumnsBefore, resp.ColumnsAfter, signed(resp.ColumnsAfter-resp.ColumnsBefore))
	}
	if resp.Changes != "" {
		fmt.Fprintln(w, resp.Changes)
	}
	if len(resp.SampleBefore) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "\nBefore"))
		renderTable(w, resp.SampleBefore, maxPreviewRows)
	}
	if len(resp.SampleAfter) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "\nAfter"))
		renderTable(w, resp.SampleAfter, maxPreviewRows)
	}
}

func renderFile(w io.Writer, f state.UploadedFile) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, f.Filename), colorize(colorDim, f.ID))
	fmt.Fprintf(w, "  %s rows × %d columns, %s\n",
		humanize.Comma(int64(f.TotalRows)), f.TotalColumns, humanize.Bytes(uint64(f.SizeMB*1024*1024)))
	if len(f.SheetNames) > 0 {
		fmt.Fprintf(w, "  sheets: %s\n", strings.Join(f.SheetNames, ", "))
	}
	if len(f.Preview) > 0 {
		renderTable(w, f.Preview, 5)
	}
}

func renderSessionFiles(w io.Writer, files []gateway.SessionFile) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No files in this session.")
		return
	}
	for _, f := range files {
		mark := " "
		if f.HasModified {
			mark = colorize(colorGreen, "*")
		}
		fmt.Fprintf(w, "%s %s  %s  %s\n", mark, colorize(colorCyan, f.FileID), f.Filename, colorize(colorDim, f.AddedAt))
	}
}

func renderHistory(w io.Writer, ops []state.Operation, now time.Time) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "No operations yet.")
		return
	}
	for _, op := range ops {
		status := colorize(colorGreen, "✓")
		switch op.Status {
		case state.StatusError:
			status = colorize(colorRed, "✗")
		case state.StatusPending:
			status = colorize(colorYellow, "…")
		}
		detail := op.Error
		if detail == "" {
			detail = operationSummary(op)
		}
		fmt.Fprintf(w, "%s %-8s %-16s %s\n", status, op.Kind,
			colorize(colorDim, humanize.RelTime(op.Timestamp, now, "ago", "from now")), detail)
	}
}

func operationSummary(op state.Operation) string {
	for _, key := range []string{"prompt", "filename", "changes", "file_id"} {
		if v, ok := op.Payload[key]; ok && v != nil && fmt.Sprint(v) != "" {
			return runewidth.Truncate(fmt.Sprint(v), 60, "…")
		}
	}
	return ""
}
