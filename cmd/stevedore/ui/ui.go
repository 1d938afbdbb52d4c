// Package ui renders release progress and history in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"stevedore/internal/release"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("240")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
)

func Accent(s string) string  { return AccentStyle.Render(s) }
func Bold(s string) string    { return BoldStyle.Render(s) }
func Muted(s string) string   { return MutedStyle.Render(s) }
func Success(s string) string { return SuccessStyle.Render(s) }
func Warn(s string) string    { return WarnStyle.Render(s) }

// Phase colours a release phase: green when it succeeded, red when it
// failed, yellow while in flight.
func Phase(p release.Phase) string {
	switch p {
	case release.PhaseSucceeded:
		return SuccessStyle.Render(p.String())
	case release.PhaseFailed:
		return ErrorStyle.Render(p.String())
	default:
		return WarnStyle.Render(p.String())
	}
}

func mark(style lipgloss.Style, symbol, format string, a []any) string {
	return style.Render(symbol) + " " + fmt.Sprintf(format, a...)
}

func SuccessMsg(format string, a ...any) string { return mark(SuccessStyle, "✓", format, a) }
func WarnMsg(format string, a ...any) string    { return mark(WarnStyle, "!", format, a) }
func ErrorMsg(format string, a ...any) string   { return mark(ErrorStyle, "✗", format, a) }
func InfoMsg(format string, a ...any) string    { return mark(AccentStyle, "›", format, a) }

// Pair holds a key-value pair for KeyValues output.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair {
	return Pair{key: key, value: value}
}

// KeyValues renders aligned "key:  value" lines with a trailing newline.
// Pairs with an empty value are skipped.
func KeyValues(indent string, pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		if p.value != "" && len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + LabelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// Table renders release rows under an underlined header, with no outer
// frame so the output pastes cleanly into chat and issues.
func Table(headers []string, rows [][]string) string {
	head := lipgloss.NewStyle().Foreground(purple).Bold(true).PaddingRight(2)
	cell := lipgloss.NewStyle().PaddingRight(2)

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		BorderTop(false).BorderBottom(false).
		BorderLeft(false).BorderRight(false).
		BorderColumn(false).
		BorderHeader(true).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return head
			}
			return cell
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
