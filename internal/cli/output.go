package cli

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/mindist/internal/partition"
	"github.com/ChuLiYu/mindist/pkg/types"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(22)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	resultStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

func row(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

// formatDistance renders a minimum distance; +Inf means no valid comparison.
func formatDistance(d float64) string {
	if math.IsInf(d, 1) {
		return "none"
	}
	return fmt.Sprintf("%.6f", d)
}

func renderPlan(w io.Writer, atoms, workers int, ranges []types.WorkRange) {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Partition of %d atoms over %d workers", atoms, workers)))
	b.WriteString("\n\n")

	total := int64(atoms) * int64(atoms-1) / 2
	for i, r := range ranges {
		n := partition.Comparisons(atoms, r)
		share := 0.0
		if total > 0 {
			share = float64(n) / float64(total) * 100
		}
		b.WriteString(row(fmt.Sprintf("chunk %d %s", i+1, r), fmt.Sprintf("%d comparisons (%.1f%%)", n, share)))
		b.WriteString("\n")
	}
	if len(ranges) == 0 {
		b.WriteString(row("chunks", "none, fewer than 2 atoms"))
		b.WriteString("\n")
	}
	b.WriteString(row("total", total))

	fmt.Fprintln(w, boxStyle.Render(b.String()))
}

func renderCompute(w io.Writer, path string, models []types.Model, perModel []float64, overall float64, elapsed time.Duration) {
	var b strings.Builder
	b.WriteString(titleStyle.Render(path))
	b.WriteString("\n\n")
	for i, d := range perModel {
		b.WriteString(row(fmt.Sprintf("model %d (%d atoms)", i+1, len(models[i])), formatDistance(d)))
		b.WriteString("\n")
	}
	b.WriteString(labelStyle.Render("minimum distance") + resultStyle.Render(formatDistance(overall)))
	b.WriteString("\n")
	b.WriteString(row("time", elapsed.Round(time.Microsecond)))

	fmt.Fprintln(w, boxStyle.Render(b.String()))
}

func renderStatus(w io.Writer, path string, cfg *Config) {
	var b strings.Builder
	b.WriteString(titleStyle.Render("mindist configuration"))
	b.WriteString("\n\n")

	lines := []struct {
		label string
		value any
	}{
		{"config file", path},
		{"processing mode", cfg.ProcessingMode()},
		{"workers", cfg.Workers()},
		{"launcher", cfg.Processor.Launcher},
		{"run interval", cfg.Processor.RunInterval},
		{"revival delay", cfg.Processor.RevivalDelay},
		{"heartbeat", cfg.Processor.HeartbeatInterval},
		{"work dir", cfg.Processor.WorkDir},
		{"coordinator", cfg.Coordinator.Transport + " " + cfg.Coordinator.URL},
		{"structures", cfg.Structures.BaseURL},
		{"pdb timeout", cfg.Structures.PDBTimeout},
		{"cif timeout", cfg.Structures.CIFTimeout},
	}
	for _, l := range lines {
		b.WriteString(row(l.label, l.value))
		b.WriteString("\n")
	}
	if cfg.Metrics.Enabled {
		b.WriteString(row("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)))
	} else {
		b.WriteString(row("metrics", "disabled"))
	}

	fmt.Fprintln(w, boxStyle.Render(b.String()))
}
