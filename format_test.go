package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderTableAlignment(t *testing.T) {
	table := renderTable(
		[]string{"NAME", "PLAN"},
		[][]string{
			{"@kai", "fixing auth"},
			{"@priyanka", "reviewing"},
		},
	)
	lines := strings.Split(table, "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "▶  NAME       PLAN", lines[0])
	assert.Equal(t, "   @kai       fixing auth", lines[1])
	assert.Equal(t, "   @priyanka  reviewing", lines[2])
}

func TestRenderTableNoTrailingSpaces(t *testing.T) {
	table := renderTable([]string{"A", "B"}, [][]string{{"x", "y"}})
	for _, line := range strings.Split(table, "\n") {
		assert.Equal(t, strings.TrimRight(line, " "), line)
	}
}

func TestFormatIdle(t *testing.T) {
	restore := timeNow
	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = restore }()

	tests := []struct {
		since time.Time
		want  string
	}{
		{now, "0m"},
		{now.Add(-3 * time.Minute), "3m"},
		{now.Add(-2 * time.Hour), "2h"},
		{now.Add(-26 * time.Hour), "1d"},
		{now.Add(-30 * 24 * time.Hour), "30d"},
		{now.Add(time.Minute), "0m"}, // clock skew never goes negative
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatIdle(tt.since))
	}
}

func TestFormatDuration(t *testing.T) {
	from := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "0:05", formatDuration(from, from.Add(5*time.Minute)))
	assert.Equal(t, "1:30", formatDuration(from, from.Add(90*time.Minute)))
	assert.Equal(t, "26:00", formatDuration(from, from.Add(26*time.Hour)))
	assert.Equal(t, "0:00", formatDuration(from, from.Add(-time.Minute)))
}
