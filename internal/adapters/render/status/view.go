package status

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"
)

const barWidth = 24

func renderView(snap domain.PoolSnapshot, s styles) string {
	lines := []string{
		s.title.Render("Build Pool"),
		s.header.Render(summaryLine(snap)),
		lipgloss.JoinHorizontal(
			lipgloss.Top,
			renderProgressBar(snap.Size+snap.Creating, snap.Capacity, barWidth, s),
			" ",
			s.detail.Render(fmt.Sprintf("%d/%d slots", snap.Size+snap.Creating, snap.Capacity)),
		),
	}
	if snap.ShuttingDown {
		lines = append(lines, s.warning.Render("shutting down"))
	}

	lines = append(lines, s.section.Render(renderAccounts(snap, s)))
	lines = append(lines, s.section.Render(renderContainers(snap, s)))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func summaryLine(snap domain.PoolSnapshot) string {
	return fmt.Sprintf("containers: %d  in use: %d  creating: %d  waiting: %d",
		snap.Size, snap.InUse(), snap.Creating, snap.TotalWaiting())
}

func renderAccounts(snap domain.PoolSnapshot, s styles) string {
	accounts := accountIDs(snap)
	if len(accounts) == 0 {
		return s.empty.Render("No accounts holding or waiting for containers.")
	}

	width := 0
	for _, id := range accounts {
		width = max(width, len(id))
	}

	parts := []string{s.title.Render("Accounts")}
	for _, id := range accounts {
		used := snap.Usage[id]
		line := lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.account.Render(fmt.Sprintf("%-*s", width, id)),
			" ",
			renderProgressBar(used, snap.AccountLimit, barWidth/2, s),
			" ",
			s.detail.Render(fmt.Sprintf("%d/%d", used, snap.AccountLimit)),
		)
		if used >= snap.AccountLimit && snap.AccountLimit > 0 {
			line += " " + s.warning.Render("[at limit]")
		}
		if waiting := snap.Waiting[id]; waiting > 0 {
			line += " " + s.detail.Render(fmt.Sprintf("waiting: %d", waiting))
		}
		parts = append(parts, line)
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderContainers(snap domain.PoolSnapshot, s styles) string {
	if len(snap.Entries) == 0 {
		return s.empty.Render("No pooled containers.")
	}

	parts := []string{s.title.Render("Containers")}
	for _, entry := range snap.Entries {
		parts = append(parts, containerLine(entry, snap, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func containerLine(entry domain.PoolEntry, snap domain.PoolSnapshot, s styles) string {
	name := s.container.Render(string(entry.Name))
	if entry.InUse {
		held := snap.TakenAt.Sub(entry.LastUsedAt)
		return lipgloss.JoinHorizontal(
			lipgloss.Top,
			name,
			" ",
			s.inUse.Render("in use by "+string(entry.Account)),
			" ",
			s.detail.Render("for "+humanDuration(held)),
		)
	}

	idle := entry.IdleFor(snap.TakenAt)
	line := lipgloss.JoinHorizontal(
		lipgloss.Top,
		name,
		" ",
		s.available.Render("available"),
		" ",
		lipgloss.NewStyle().Foreground(idleColor(idle, snap.IdleTimeout)).Render("idle "+humanDuration(idle)),
	)
	if snap.IdleTimeout > 0 && idle >= snap.IdleTimeout {
		line += " " + s.warning.Render("[reapable]")
	}

	return line
}

func accountIDs(snap domain.PoolSnapshot) []domain.AccountID {
	seen := make(map[domain.AccountID]struct{}, len(snap.Usage)+len(snap.Waiting))
	for id := range snap.Usage {
		seen[id] = struct{}{}
	}
	for id := range snap.Waiting {
		seen[id] = struct{}{}
	}

	ids := make([]domain.AccountID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func humanDuration(d time.Duration) string {
	if d < time.Second {
		return "moments"
	}
	return strings.ToLower(units.HumanDuration(d))
}

func renderProgressBar(used, total, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := 0
	if total > 0 {
		filled = int(math.Round(float64(width) * float64(used) / float64(total)))
	}
	filled = min(max(filled, 0), width)

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

// idleColor fades from bright to dim as an entry approaches the reap deadline.
func idleColor(idle, timeout time.Duration) lipgloss.Color {
	if timeout <= 0 {
		return lipgloss.Color("252")
	}
	return interpolateColor(timeout.Seconds()-idle.Seconds(), 0, timeout.Seconds())
}

func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	// 240 (faded) .. 255 (bright) on the ANSI 256 greyscale ramp
	return lipgloss.Color(fmt.Sprintf("%d", int(240+15*normalized)))
}
