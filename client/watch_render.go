package main

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gammadia/towerlaunch/tower"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
)

// Threshold constants for duration-based emoji labels in the watch display.
var (
	watchSlowThreshold     = 12 * time.Hour
	watchVerySlowThreshold = 24 * time.Hour
	runSlowThreshold       = 6 * time.Hour
	runVerySlowThreshold   = 12 * time.Hour
	runQueuedThreshold     = 2 * time.Hour
)

// watchedRun is the last known state of a run being watched.
type watchedRun struct {
	ID       string
	Name     string
	Status   tower.Status
	Submit   time.Time
	Start    *time.Time
	Complete *time.Time
}

// watchRenderer holds the rendering state and injectable dependencies for watch display.
type watchRenderer struct {
	verbose   bool
	started   time.Time
	termWidth func() int       // injected; tests pass a constant
	now       func() time.Time // injected; tests pass a fixed time
}

// emojiLabel returns the emoji followed by spacing equal to its rune count,
// ensuring consistent alignment regardless of emoji rendering width.
func emojiLabel(emoji string) string {
	return emoji + strings.Repeat(" ", utf8.RuneCountInString(emoji))
}

// formatItems formats a list of run names for display, truncating if needed.
// When last is true, the last N items are shown (with "… " prefix); otherwise the first N.
// When verbose is true, all items are shown without truncation.
func formatItems(items []string, last bool, verbose bool) string {
	nbItems := len(items)
	if nbItems < 1 {
		return ""
	}

	// Show up to 10 runs on a 180 columns line, everything in verbose mode.
	displayItems := 10
	lineLength := 180
	if verbose {
		displayItems = math.MaxInt32
		lineLength = math.MaxInt32
	}
	partial := nbItems > displayItems
	var nItems []string
	for displayItems > 0 {
		if last {
			nItems = items[max(0, nbItems-displayItems):]
		} else {
			nItems = items[:min(nbItems, displayItems)]
		}
		if uniseg.StringWidth(strings.Join(nItems, " ")) <= lineLength {
			break
		}
		displayItems -= 1
		partial = true
	}

	if last {
		return fmt.Sprintf("%s%s (%s%d)", lo.Ternary(partial, "… ", ""), strings.Join(nItems, " "), emojiLabel("📝"), nbItems)
	}
	return fmt.Sprintf("%s%s (%s%d)", strings.Join(nItems, " "), lo.Ternary(partial, " …", ""), emojiLabel("📝"), nbItems)
}

// visualLineCount returns how many visual lines a string occupies in the terminal,
// accounting for line wrapping when a logical line exceeds terminal width.
func visualLineCount(s string, termWidth int) int {
	if termWidth <= 0 {
		termWidth = 80
	}
	count := 0
	for _, line := range strings.Split(s, "\n") {
		w := uniseg.StringWidth(line)
		if w <= termWidth {
			count++
		} else {
			count += (w + termWidth - 1) / termWidth
		}
	}
	return count
}

// formatMinutes formats a duration truncated to the minute, e.g. "1h30m".
func formatMinutes(d time.Duration) string {
	s := d.Truncate(time.Minute).String()
	return strings.TrimSuffix(s, "0s")
}

// renderTimestamp returns how long the watch has been going on with the appropriate emoji.
func (r *watchRenderer) renderTimestamp(runs []*watchedRun) string {
	if len(runs) > 0 && lo.EveryBy(runs, func(run *watchedRun) bool { return run.Status.IsDone() }) {
		return emojiLabel("🏁") + r.now().Sub(r.started).Truncate(time.Second).String()
	}
	elapsed := r.now().Sub(r.started).Truncate(time.Second)
	elapsedEmoji := lo.Ternary(elapsed >= watchSlowThreshold, lo.Ternary(elapsed >= watchVerySlowThreshold, "🧟", "🐢"), "⏱️")
	return emojiLabel(elapsedEmoji) + elapsed.String()
}

// runLabel is the run name, flagged when it has been running or queued for long.
func (r *watchRenderer) runLabel(run *watchedRun) string {
	label := run.Name
	if run.Start != nil {
		end := r.now()
		if run.Complete != nil {
			end = *run.Complete
		}
		runningFor := end.Sub(*run.Start).Truncate(time.Minute)
		if runningFor >= runSlowThreshold {
			label += fmt.Sprintf(" (%s%s)", emojiLabel(lo.Ternary(runningFor >= runVerySlowThreshold, "🧟", "🐢")), formatMinutes(runningFor))
		}
	} else if !run.Status.IsDone() && !run.Submit.IsZero() {
		queuedFor := r.now().Sub(run.Submit).Truncate(time.Minute)
		if queuedFor >= runQueuedThreshold {
			label += fmt.Sprintf(" (%s%s)", emojiLabel("😴"), formatMinutes(queuedFor))
		}
	}
	return label
}

// renderStats returns the runs grouped by status, one line per status.
func (r *watchRenderer) renderStats(runs []*watchedRun) string {
	groups := map[tower.Status][]string{}
	for _, run := range runs {
		groups[run.Status] = append(groups[run.Status], r.runLabel(run))
	}

	statItems := []string{}
	for _, status := range []tower.Status{
		tower.StatusSubmitted,
		tower.StatusRunning,
		tower.StatusCancelled,
		tower.StatusUnknown,
		tower.StatusFailed,
		tower.StatusSucceeded,
	} {
		if labels := groups[status]; len(labels) > 0 {
			statItems = append(statItems, emojiLabel(statusEmoji(status))+formatItems(labels, status.IsDone(), r.verbose))
		}
	}
	return strings.Join(statItems, "\n")
}

func (r *watchRenderer) header(runs []*watchedRun) string {
	done := lo.CountBy(runs, func(run *watchedRun) bool { return run.Status.IsDone() })
	return fmt.Sprintf("Watching runs (%s%d, %d done, %s)", emojiLabel("📝"), len(runs), done, r.renderTimestamp(runs))
}

// renderOutput composes the full watch display and returns the output string
// and the number of display lines (for cursor repositioning).
func (r *watchRenderer) renderOutput(runs []*watchedRun) (output string, displayLines int) {
	output = r.header(runs)
	if stats := r.renderStats(runs); stats != "" {
		output += "\n" + stats
	}
	displayLines = visualLineCount(output, r.termWidth()) - 1 // -1: cursor is already on the last line
	return
}
