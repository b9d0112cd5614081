package plugin

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("88"))
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	enabledStyle  = cellStyle.Foreground(lipgloss.Color("114")).Bold(true)
	disabledStyle = cellStyle.Foreground(lipgloss.Color("180"))
	failedStyle   = cellStyle.Foreground(lipgloss.Color("203")).Bold(true)
	borderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("130"))
)

// InfoTable renders Status as a terminal table.
func (m *Manager) InfoTable() string {
	return renderTable(m.Status())
}

func renderTable(statuses []Status) string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, []string{s.Name, stateLabel(s), mark(s.Friend), mark(s.Group), mark(s.Event)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("PLUGIN", "STATE", "FRIEND", "GROUP", "EVENT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col != 1 || row < 0 || row >= len(statuses) {
				return cellStyle
			}
			switch s := statuses[row]; {
			case s.Error != "":
				return failedStyle
			case s.Enabled:
				return enabledStyle
			default:
				return disabledStyle
			}
		})

	return t.String()
}

func stateLabel(s Status) string {
	switch {
	case s.Error != "":
		return "failed"
	case s.Enabled:
		return "enabled"
	default:
		return "removed"
	}
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "-"
}
