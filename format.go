package main

import (
	"strconv"
	"strings"
	"time"
)

// Columnar output shares one renderer across who and last. The header row
// leads with a ▶ sentinel the post-tool display layer uses for alignment;
// rows are padded to column width with two-space gutters.

// renderTable builds the ▶-headed columnar table. The final column is not
// padded so rows never carry trailing spaces.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	var b strings.Builder
	b.WriteString("▶  ")
	for i, h := range headers {
		if i == len(headers)-1 {
			b.WriteString(h)
			break
		}
		b.WriteString(pad(h, widths[i]))
		b.WriteString("  ")
	}
	for _, row := range rows {
		b.WriteString("\n   ")
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(pad(cell, widths[i]))
			b.WriteString("  ")
		}
	}
	return b.String()
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatIdle renders idle time in BSD finger(1)/w(1) style: 0m, 3m, 2h, 1d.
func formatIdle(since time.Time) string {
	d := timeNow().Sub(since)
	if d < 0 {
		d = 0
	}
	switch {
	case d >= 24*time.Hour:
		return strconv.Itoa(int(d.Hours()/24)) + "d"
	case d >= time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h"
	default:
		return strconv.Itoa(int(d.Minutes())) + "m"
	}
}

// formatWallClock renders a timestamp for user-facing output in the
// invoking session's local time zone: "Mon Jan 2 15:04".
func formatWallClock(t time.Time) string {
	return t.Local().Format("Mon Jan 2 15:04")
}

// formatOnSince renders the finger "On since" timestamp with zone:
// "Mon Jan 2 15:04 (MST)".
func formatOnSince(t time.Time) string {
	return t.Local().Format("Mon Jan 2 15:04 (MST)")
}

// formatDuration renders an H:MM duration for last output.
func formatDuration(from, to time.Time) string {
	d := to.Sub(from)
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return strconv.Itoa(hours) + ":" + pad2(minutes)
}

func pad2(n int) string {
	s := strconv.Itoa(n)
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
