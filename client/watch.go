package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/towerlaunch/client/ui"
	"github.com/gammadia/towerlaunch/monitor"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch RUN_ID...",
	Short: "Watch runs until they are done",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		runs := make([]*watchedRun, 0, len(args))
		for _, id := range lo.Uniq(args) {
			workflow, err := c.GetWorkflow(cmd.Context(), id)
			if err != nil {
				return err
			}
			runs = append(runs, newWatchedRun(workflow))
		}

		m := monitor.New(c)
		m.Interval = lo.Must(cmd.Flags().GetDuration("interval"))

		renderer := &watchRenderer{
			verbose:   verbose,
			started:   time.Now(),
			termWidth: terminalWidth,
			now:       time.Now,
		}
		return watchRuns(cmd.Context(), m, runs, renderer, os.Stderr)
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 30*time.Second, "delay between run status checks")
}

func newWatchedRun(workflow *tower.WorkflowDetails) *watchedRun {
	run := &watchedRun{
		ID:       workflow.ID,
		Name:     workflow.RunName,
		Status:   workflow.Status,
		Start:    workflow.Start,
		Complete: workflow.Complete,
	}
	if workflow.Submit != nil {
		run.Submit = *workflow.Submit
	}
	return run
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		return 80
	}
	return width
}

type watchUpdate struct {
	run   int
	event monitor.Event
	err   error
	done  bool
}

// watchRuns monitors the runs concurrently and renders their progress on w until they are all done.
func watchRuns(ctx context.Context, m *monitor.Monitor, runs []*watchedRun, renderer *watchRenderer, w io.Writer) error {
	updates := make(chan watchUpdate, len(runs))
	var wg sync.WaitGroup
	for i, run := range runs {
		wg.Add(1)
		go func(i int, run string) {
			defer wg.Done()
			rm := *m
			rm.Notify = func(event monitor.Event) { updates <- watchUpdate{run: i, event: event} }
			_, err := rm.Wait(ctx, run)
			updates <- watchUpdate{run: i, err: err, done: true}
		}(i, run.ID)
	}
	go func() {
		wg.Wait()
		close(updates)
	}()

	var spinner *ui.Spinner
	if !renderer.verbose {
		spinner = ui.NewSpinner(renderer.header(runs))
	}
	plain := spinner.Plain()

	var statsLineCount int

	// eraseStatsLines clears the run list lines displayed below the spinner.
	// Must be called while holding the spinner lock.
	eraseStatsLines := func() {
		if statsLineCount == 0 {
			return
		}
		for i := 0; i < statsLineCount; i++ {
			fmt.Fprint(w, "\n\033[2K")
		}
		fmt.Fprintf(w, "\033[%dA", statsLineCount)
		statsLineCount = 0
	}

	// writeStatsLines prints the run list below the spinner.
	// Must be called while holding the spinner lock.
	writeStatsLines := func() {
		output, displayLines := renderer.renderOutput(runs)
		_, stats, _ := strings.Cut(output, "\n")
		spinner.Suffix = " " + renderer.header(runs)
		if stats == "" {
			return
		}
		fmt.Fprint(w, "\n"+stats)
		statsLineCount = displayLines
		fmt.Fprintf(w, "\033[%dA", statsLineCount)
	}

	redraw := func() {
		if plain {
			return
		}
		spinner.Lock()
		eraseStatsLines()
		writeStatsLines()
		spinner.Unlock()
	}

	var errs []error
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				if !plain {
					spinner.Lock()
					eraseStatsLines()
					spinner.Unlock()
				}
				output, _ := renderer.renderOutput(runs)
				failed := lo.CountBy(runs, func(run *watchedRun) bool { return !run.Status.IsSuccess() })
				if len(errs) > 0 || failed > 0 {
					spinner.Warn(output)
				} else {
					spinner.Success(output)
				}
				if spinner == nil {
					fmt.Fprintln(w, output)
				}

				if ctx.Err() != nil {
					return ctx.Err()
				}
				if len(errs) > 0 {
					return errs[0]
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d runs did not succeed", failed, len(runs))
				}
				return nil
			}

			run := runs[update.run]
			if update.done {
				if update.err != nil && ctx.Err() == nil {
					errs = append(errs, fmt.Errorf("run '%s': %w", run.ID, update.err))
				}
				continue
			}

			switch event := update.event.(type) {
			case monitor.EventStatusChanged:
				if event.Status != run.Status && plain {
					fmt.Fprintf(w, "%s%s is %s\n", emojiLabel(statusEmoji(event.Status)), run.Name, ui.StatusString(event.Status))
				}
				run.Status = event.Status
				if run.Status == tower.StatusRunning && run.Start == nil {
					run.Start = lo.ToPtr(renderer.now())
				}
			case monitor.EventCompleted:
				run.Status = event.Status
				if run.Complete == nil {
					run.Complete = lo.ToPtr(renderer.now())
				}
			case monitor.EventPollFailed:
				if renderer.verbose {
					fmt.Fprintf(w, "%s%s status check failed: %s\n", emojiLabel("📡"), run.Name, event.Err)
				}
			}
			redraw()

		case <-ticker.C:
			redraw()
		}
	}
}
