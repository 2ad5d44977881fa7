package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/gammadia/towerlaunch/tower"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show a live dashboard of the workspace runs",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		user, err := c.UserInfo(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get user info: %w", err)
		}

		interval := lo.Must(cmd.Flags().GetDuration("interval"))
		search := lo.Must(cmd.Flags().GetString("search"))

		app := tview.NewApplication()

		// Header
		header := tview.NewTextView().
			SetDynamicColors(true).
			SetWordWrap(true).
			SetTextAlign(tview.AlignLeft)
		header.SetBorder(true).SetTitle(" Tower ")

		// Compute environments table
		envsTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		envsTable.SetBorder(true).SetTitle(" Compute environments ")

		// Runs table
		runsTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		runsTable.SetBorder(true).SetTitle(" Runs ")

		// Layout
		layout := tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(header, 4, 0, false).
			AddItem(envsTable, 0, 1, false).
			AddItem(runsTable, 0, 3, false)

		// Focus cycling: Tab switches between compute envs and runs tables
		focusables := []tview.Primitive{runsTable, envsTable}
		focusIndex := 0
		app.SetFocus(runsTable)

		refresh := make(chan struct{}, 1)

		// Input handling
		app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			switch {
			case event.Rune() == 'q':
				app.Stop()
				return nil
			case event.Rune() == 'r':
				select {
				case refresh <- struct{}{}:
				default:
				}
				return nil
			case event.Key() == tcell.KeyTab || event.Key() == tcell.KeyBacktab:
				if event.Key() == tcell.KeyBacktab {
					focusIndex = (focusIndex + len(focusables) - 1) % len(focusables)
				} else {
					focusIndex = (focusIndex + 1) % len(focusables)
				}
				app.SetFocus(focusables[focusIndex])
				return nil
			}
			return event
		})

		// State for rendering, only accessed from tview's event loop (via QueueUpdateDraw)
		var lastRuns []*tower.WorkflowDetails
		var lastEnvs []tower.ComputeEnv
		var lastTotal int
		var lastErr error
		var lastUpdate time.Time

		updateHeader := func() {
			header.Clear()
			workspace := lo.Ternary(c.WorkspaceID() != "", c.WorkspaceID(), "personal")
			fmt.Fprintf(header, " [yellow]%s[white]  |  Workspace: [yellow]%s[white]  |  User: [yellow]%s[white]\n",
				c.Endpoint(), workspace, user.UserName)
			status := fmt.Sprintf("Updated [green]%s[white] ago, every %s  |  [yellow]r[white] refresh  [yellow]q[white] quit",
				formatDuration(time.Since(lastUpdate)), interval)
			if lastUpdate.IsZero() {
				status = "Loading…"
			}
			if lastErr != nil {
				status = fmt.Sprintf("[red]%s[white]", tview.Escape(lastErr.Error()))
			}
			fmt.Fprintf(header, " %s", status)
		}

		updateEnvs := func() {
			envsTable.Clear()
			for col, title := range []string{"NAME", "ID", "PLATFORM", "STATUS"} {
				envsTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}
			for row, env := range lastEnvs {
				name := env.Name
				if env.Primary {
					name += " *"
				}
				envsTable.SetCell(row+1, 0, tview.NewTableCell(name).SetTextColor(tcell.ColorAqua).SetExpansion(2))
				envsTable.SetCell(row+1, 1, tview.NewTableCell(env.ID).SetTextColor(tcell.ColorWhite).SetExpansion(1))
				envsTable.SetCell(row+1, 2, tview.NewTableCell(env.Platform).SetTextColor(tcell.ColorWhite).SetExpansion(1))
				envsTable.SetCell(row+1, 3, tview.NewTableCell(env.Status).
					SetTextColor(lo.Ternary(env.Status == tower.ComputeEnvAvailable, tcell.ColorGreen, tcell.ColorYellow)).
					SetExpansion(1))
			}
		}

		updateRuns := func() {
			runsTable.Clear()
			runsTable.SetTitle(fmt.Sprintf(" Runs (%d/%d) ", len(lastRuns), lastTotal))

			// Header row
			for col, title := range []string{"RUN NAME", "ID", "STATUS", "SUBMITTED", "ELAPSED", "PIPELINE", "TASKS"} {
				runsTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}

			now := time.Now()
			for row, run := range sortRuns(lastRuns) {
				nameColor := tcell.ColorAqua
				if run.Status.IsDone() {
					nameColor = tcell.ColorGray
				}
				runsTable.SetCell(row+1, 0, tview.NewTableCell(run.RunName).SetTextColor(nameColor).SetExpansion(2))
				runsTable.SetCell(row+1, 1, tview.NewTableCell(run.ID).SetTextColor(tcell.ColorWhite).SetExpansion(1))
				runsTable.SetCell(row+1, 2, tview.NewTableCell(string(run.Status)).SetTextColor(runStatusColor(run.Status)).SetExpansion(1))

				// Submitted time: show time only for today, date+time otherwise
				submitted := ""
				if run.Submit != nil {
					t := run.Submit.Local()
					if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
						submitted = t.Format("15:04:05")
					} else {
						submitted = t.Format("02 Jan 15:04")
					}
				}
				runsTable.SetCell(row+1, 3, tview.NewTableCell(submitted).SetTextColor(tcell.ColorWhite).SetExpansion(1))

				elapsed := ""
				if d := run.Duration(now); d > 0 {
					elapsed = formatDuration(d)
				}
				runsTable.SetCell(row+1, 4, tview.NewTableCell(elapsed).
					SetTextColor(lo.Ternary(run.Status.IsDone(), tcell.ColorGray, tcell.ColorWhite)).
					SetExpansion(1))

				runsTable.SetCell(row+1, 5, tview.NewTableCell(run.ProjectName).SetTextColor(tcell.ColorWhite).SetExpansion(2))
				runsTable.SetCell(row+1, 6, tview.NewTableCell(taskProgress(run.Progress)).SetExpansion(2))
			}
		}

		// done is closed when the app stops, to signal goroutines to exit.
		done := make(chan struct{})

		// Poll goroutine: decouples blocking API calls from tview event loop
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				runs, total, err := c.ListWorkflows(cmd.Context(), tower.ListOptions{Search: search, Max: 50})
				var envs []tower.ComputeEnv
				if err == nil {
					envs, err = c.ListComputeEnvs(cmd.Context(), "")
				}
				app.QueueUpdateDraw(func() {
					lastErr = err
					if err == nil {
						lastRuns, lastTotal, lastEnvs = runs, total, envs
						lastUpdate = time.Now()
					}
					updateHeader()
					updateEnvs()
					updateRuns()
				})

				select {
				case <-done:
					return
				case <-cmd.Context().Done():
					app.Stop()
					return
				case <-ticker.C:
				case <-refresh:
				}
			}
		}()

		// 1-second ticker to refresh elapsed times
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					app.QueueUpdateDraw(func() {
						updateHeader()
						updateRuns()
					})
				}
			}
		}()

		err = app.SetRoot(layout, true).Run()
		close(done)
		return err
	},
}

func init() {
	topCmd.Flags().Duration("interval", 10*time.Second, "delay between refreshes")
	topCmd.Flags().StringP("search", "s", "", "only show runs matching this search")
}

// sortRuns puts runs not done first, then the most recently submitted.
func sortRuns(runs []*tower.WorkflowDetails) []*tower.WorkflowDetails {
	sorted := make([]*tower.WorkflowDetails, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		iDone, jDone := sorted[i].Status.IsDone(), sorted[j].Status.IsDone()
		if iDone != jDone {
			return !iDone
		}
		if sorted[i].Submit != nil && sorted[j].Submit != nil {
			return sorted[i].Submit.After(*sorted[j].Submit)
		}
		return sorted[i].Submit != nil
	})
	return sorted
}

func runStatusColor(status tower.Status) tcell.Color {
	switch status {
	case tower.StatusSucceeded:
		return tcell.ColorGreen
	case tower.StatusSubmitted, tower.StatusRunning:
		return tcell.ColorYellow
	case tower.StatusCancelled:
		return tcell.ColorGray
	case tower.StatusFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func taskProgress(progress tower.Progress) string {
	parts := []string{}
	if progress.Running > 0 {
		parts = append(parts, fmt.Sprintf("[yellow]%d run[-]", progress.Running))
	}
	if progress.Succeeded+progress.Cached > 0 {
		parts = append(parts, fmt.Sprintf("[green]%d ok[-]", progress.Succeeded+progress.Cached))
	}
	if progress.Failed > 0 {
		parts = append(parts, fmt.Sprintf("[red]%d fail[-]", progress.Failed))
	}
	if queued := progress.Submitted + progress.Pending; queued > 0 {
		parts = append(parts, fmt.Sprintf("[white]%d queue[-]", queued))
	}

	result := ""
	for i, p := range parts {
		if i > 0 {
			result += ", "
		}
		result += p
	}
	return result
}
