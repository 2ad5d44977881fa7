package ui

import (
	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/tower"
)

var SectionHeaderColor = color.New(color.BgHiBlue, color.FgHiWhite, color.Bold)

// StatusColor is the color of a run status in plain terminal output.
func StatusColor(status tower.Status) *color.Color {
	switch status {
	case tower.StatusSucceeded:
		return color.New(color.FgHiGreen)
	case tower.StatusFailed:
		return color.New(color.FgHiRed)
	case tower.StatusCancelled, tower.StatusUnknown:
		return color.New(color.FgHiBlack)
	case tower.StatusRunning:
		return color.New(color.FgHiCyan)
	default:
		return color.New(color.FgHiYellow)
	}
}

func StatusString(status tower.Status) string {
	return StatusColor(status).Sprint(status)
}
