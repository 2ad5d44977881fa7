package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/batch"
	"github.com/gammadia/towerlaunch/client/ui"
	"github.com/gammadia/towerlaunch/launchfile"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
)

// Batch header: <12h ⏱️ / 12-24h 🐢 / 24h+ 🧟
var (
	batchSlowThreshold     = 12 * time.Hour
	batchVerySlowThreshold = 24 * time.Hour
)

// batchRenderer prints the progress of a batch from its events.
type batchRenderer struct {
	name    string
	total   int
	verbose bool
	now     func() time.Time
	started time.Time

	done   int
	failed int
	// dataset/stage of the runs launched and not completed yet
	active map[string]bool
}

func newBatchRenderer(name string, total int, verbose bool) *batchRenderer {
	return &batchRenderer{
		name:    name,
		total:   total,
		verbose: verbose,
		now:     time.Now,
		started: time.Now(),
		active:  map[string]bool{},
	}
}

func (r *batchRenderer) run(events <-chan batch.Event) {
	var spinner *ui.Spinner
	var out io.Writer = os.Stderr
	if !r.verbose {
		spinner = ui.NewSpinner(r.header())
	}
	printLine := func(line string) {
		if spinner != nil {
			spinner.Println(line)
		} else {
			_, _ = fmt.Fprintln(out, line)
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				if spinner == nil {
					printLine(r.header())
				}
				if r.failed > 0 {
					spinner.Warn(r.header())
				} else {
					spinner.Success(r.header())
				}
				return
			}
			if line, ok := r.update(event); ok {
				printLine(line)
			}
			spinner.UpdateMessage(r.header())
		case <-ticker.C:
			spinner.UpdateMessage(r.header())
		}
	}
}

// update records the event and returns the line to print for it, if any.
func (r *batchRenderer) update(event batch.Event) (string, bool) {
	switch event := event.(type) {
	case batch.EventRunLaunched:
		r.active[event.Dataset+"/"+event.Stage] = true
		if event.Reused {
			return fmt.Sprintf("%s%s reuses run '%s' (%s)", emojiLabel("♻️"), stageLabel(event.Dataset, event.Stage), event.RunName, event.Run), true
		}
		return fmt.Sprintf("%s%s launched run '%s' (%s)", emojiLabel("🚀"), stageLabel(event.Dataset, event.Stage), event.RunName, event.Run), true

	case batch.EventRunStatus:
		if !r.verbose || event.Status.IsDone() {
			return "", false
		}
		return fmt.Sprintf("%s%s is %s", emojiLabel(statusEmoji(event.Status)), stageLabel(event.Dataset, event.Stage), ui.StatusString(event.Status)), true

	case batch.EventRunPollFailed:
		if !r.verbose {
			return "", false
		}
		return fmt.Sprintf("%s%s status check failed: %s", emojiLabel("📡"), stageLabel(event.Dataset, event.Stage), event.Err), true

	case batch.EventRunCompleted:
		delete(r.active, event.Dataset+"/"+event.Stage)
		return fmt.Sprintf("%s%s run '%s' %s", emojiLabel(statusEmoji(event.Status)), stageLabel(event.Dataset, event.Stage), event.RunName, ui.StatusString(event.Status)), true

	case batch.EventStageFailed:
		delete(r.active, event.Dataset+"/"+event.Stage)
		line := fmt.Sprintf("%s%s %s", emojiLabel("⚠️"), stageLabel(event.Dataset, event.Stage), color.HiRedString(event.Err.Error()))
		var e launchfile.UnmarshalError
		if r.verbose && errors.As(event.Err, &e) {
			line += "\n" + strings.TrimSuffix(e.Source, "\n")
		}
		return line, true

	case batch.EventStageSkipped:
		if !r.verbose {
			return "", false
		}
		return fmt.Sprintf("%s%s skipped: %s", emojiLabel("⏭️"), stageLabel(event.Dataset, event.Stage), event.Reason), true

	case batch.EventChainCompleted:
		r.done++
		if !event.Succeeded {
			r.failed++
		}
	}
	return "", false
}

func (r *batchRenderer) header() string {
	elapsed := r.now().Sub(r.started).Truncate(time.Second)
	elapsedEmoji := lo.Ternary(elapsed >= batchSlowThreshold, lo.Ternary(elapsed >= batchVerySlowThreshold, "🧟", "🐢"), "⏱️")

	failed := ""
	if r.failed > 0 {
		failed = fmt.Sprintf(", %s%d", emojiLabel("💥"), r.failed)
	}
	return fmt.Sprintf("Batch '%s': %d/%d datasets done%s (%s%d runs active, %s%s)",
		r.name, r.done, r.total, failed, emojiLabel("⚙️"), len(r.active), emojiLabel(elapsedEmoji), elapsed)
}

func stageLabel(dataset string, stage string) string {
	return color.HiCyanString(dataset) + "/" + stage
}

func statusEmoji(status tower.Status) string {
	switch status {
	case tower.StatusSubmitted:
		return "⏳"
	case tower.StatusRunning:
		return "⚙️"
	case tower.StatusSucceeded:
		return "✅"
	case tower.StatusFailed:
		return "💥"
	case tower.StatusCancelled:
		return "🛑"
	default:
		return "❓"
	}
}

// formatResults renders the final status of every stage as a table.
func formatResults(results []batch.Result) string {
	rows := [][]string{{"DATASET", "STAGE", "RUN", "RUN NAME", "STATUS"}}
	statuses := []tower.Status{""}
	for _, result := range results {
		for _, stage := range result.Stages {
			status := stage.Status
			switch {
			case stage.Skipped:
				status = "SKIPPED"
			case stage.Err != nil && stage.RunID == "":
				status = "ERROR"
			}
			rows = append(rows, []string{result.Dataset.ID, stage.Stage, lo.Ternary(stage.RunID != "", stage.RunID, "-"), lo.Ternary(stage.RunName != "", stage.RunName, "-"), string(status)})
			statuses = append(statuses, status)
		}
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], uniseg.StringWidth(cell))
		}
	}

	var b strings.Builder
	for i, row := range rows {
		for j, cell := range row {
			padded := cell + strings.Repeat(" ", widths[j]-uniseg.StringWidth(cell))
			switch {
			case i == 0:
				padded = color.New(color.Bold).Sprint(padded)
			case j == len(row)-1:
				padded = resultColor(statuses[i]).Sprint(cell)
			}
			b.WriteString(padded)
			if j < len(row)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func resultColor(status tower.Status) *color.Color {
	switch status {
	case "SKIPPED":
		return color.New(color.FgHiBlack)
	case "ERROR":
		return color.New(color.FgHiRed)
	default:
		return ui.StatusColor(status)
	}
}
