package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/sp80808/EchoChain/peer"
	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/download"
	"github.com/sp80808/EchoChain/pkg/storage"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	cyanColor    = lipgloss.Color("#8BE9FD")
	greenColor   = lipgloss.Color("#50FA7B")
	yellowColor  = lipgloss.Color("#F1FA8C")
	redColor     = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	borderColor  = lipgloss.Color("#44475A")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	nameStyle   = lipgloss.NewStyle().Foreground(cyanColor)
	barStyle    = lipgloss.NewStyle().Foreground(greenColor)
	numStyle    = lipgloss.NewStyle().Foreground(yellowColor)
	errorStyle  = lipgloss.NewStyle().Foreground(redColor).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor).Width(14)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(cyanColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

const barWidth = 40

// progressRenderer draws a single self-overwriting progress line.
type progressRenderer struct {
	tracker *download.Tracker
	width   int
	drawn   bool
}

func newProgressRenderer(t *download.Tracker) *progressRenderer {
	return &progressRenderer{tracker: t, width: barWidth}
}

func (r *progressRenderer) render() {
	fmt.Print("\r\033[K" + progressLine(r.tracker.Stats(), r.tracker.ETA(), r.width))
	r.drawn = true
}

func (r *progressRenderer) clear() {
	if r.drawn {
		fmt.Print("\r\033[K")
	}
}

func progressLine(s download.Stats, eta time.Duration, width int) string {
	percent := 0.0
	if s.Size > 0 {
		percent = float64(s.BytesDone) / float64(s.Size) * 100
	} else if s.Total > 0 {
		percent = float64(s.Completed) / float64(s.Total) * 100
	}
	filled := int(float64(width) * percent / 100)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	line := fmt.Sprintf("%s [%s] %s (%d/%d chunks) | %s/s | %d peers | ETA: %s",
		nameStyle.Render("["+s.Filename+"]"),
		barStyle.Render(bar),
		numStyle.Render(fmt.Sprintf("%.1f%%", percent)),
		s.Completed, s.Total,
		formatBytes(s.Speed), s.ActivePeers, formatETA(eta),
	)
	if s.Failures > 0 {
		line += errorStyle.Render(fmt.Sprintf(" | %d failed", s.Failures))
	}
	return line
}

func renderDone(rec *storage.FileRecord) string {
	return fmt.Sprintf("%s %s (%s, %d chunks) -> %s",
		barStyle.Render("✓"),
		nameStyle.Render(rec.Filename),
		formatBytes(float64(rec.Size)), rec.ChunkCount(),
		mutedStyle.Render(rec.Path),
	)
}

func renderFailure(hash string, err error) string {
	return fmt.Sprintf("%s %s: %v", errorStyle.Render("✗ Download failed"), shortHash(hash), err)
}

func renderStatus(s peer.Status) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}
	lines := []string{
		titleStyle.Render("EchoChain node"),
		row("Peer ID", s.ID),
		row("Address", s.Addr),
		row("Peers", strconv.Itoa(len(s.Peers))),
		row("Files", strconv.Itoa(s.Files)),
		row("Announced", strconv.Itoa(s.Announced)),
		row("Uptime", formatDuration(s.Metrics.Uptime)),
		row("Served", fmt.Sprintf("%d chunks, %s", s.Metrics.ChunksServed, formatBytes(float64(s.Metrics.BytesServed)))),
		row("Fetched", fmt.Sprintf("%d chunks, %s", s.Metrics.ChunksFetched, formatBytes(float64(s.Metrics.BytesFetched)))),
		row("Sessions", fmt.Sprintf("%d done, %d failed, %d live",
			s.Metrics.SessionsCompleted, s.Metrics.SessionsFailed, len(s.Sessions))),
	}
	for _, sess := range s.Sessions {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("  %s %s (%d waiting)", shortHash(sess.Hash), sess.State, sess.Waiters)))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderPeers(peers []directory.PeerRecord) string {
	if len(peers) == 0 {
		return mutedStyle.Render("No known peers.")
	}
	t := newTable().Headers("PEER ID", "ADDRESS", "LAST SEEN", "FAILURES")
	for _, p := range peers {
		seen := "never"
		if !p.LastSeen.IsZero() {
			seen = formatDuration(time.Since(p.LastSeen)) + " ago"
		}
		t.Row(p.ID, p.Addr().String(), seen, strconv.Itoa(p.Failures))
	}
	return t.String()
}

func renderContent(items []peer.ContentSummary) string {
	if len(items) == 0 {
		return mutedStyle.Render("No content.")
	}
	t := newTable().Headers("HASH", "FILENAME", "SIZE", "CHUNKS", "LOCAL", "HOLDERS")
	for _, c := range items {
		local := "no"
		if c.Local {
			local = "yes"
		}
		size, chunks := "-", "-"
		if c.Local {
			size = formatBytes(float64(c.Size))
			chunks = strconv.Itoa(c.NumChunks)
		}
		t.Row(shortHash(c.ContentHash), c.Filename, size, chunks, local, strings.Join(c.Holders, ","))
	}
	return t.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
}
