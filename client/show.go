package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/client/ui"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		workflow, err := c.GetWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		cmd.Print(formatWorkflow(workflow, time.Now()))
		return nil
	},
}

func formatWorkflow(workflow *tower.WorkflowDetails, now time.Time) string {
	var b strings.Builder
	line := func(label string, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%-12s %s\n", label+":", value)
		}
	}

	line("Run", color.HiCyanString(workflow.RunName)+" ("+workflow.ID+")")
	line("Status", ui.StatusString(workflow.Status))
	line("Pipeline", strings.TrimSpace(workflow.ProjectName+" "+workflow.Revision))
	line("Commit", workflow.CommitID)
	line("Started by", workflow.UserName)
	if workflow.Submit != nil {
		line("Submitted", workflow.Submit.Local().Truncate(time.Second).String())
	}
	if workflow.Complete != nil {
		line("Completed", workflow.Complete.Local().Truncate(time.Second).String())
	}
	if d := workflow.Duration(now); d > 0 {
		line("Duration", formatDuration(d))
	}
	line("Work dir", workflow.WorkDir)
	if workflow.ExitStatus != nil {
		line("Exit status", fmt.Sprint(*workflow.ExitStatus))
	}
	if len(workflow.Labels) > 0 {
		line("Labels", strings.Join(lo.Map(workflow.Labels, func(label tower.Label, _ int) string { return label.Name }), ", "))
	}
	if total := workflow.Progress.Total(); total > 0 {
		line("Tasks", fmt.Sprintf("%d (%s)", total, progressSummary(workflow.Progress)))
	}

	if workflow.ErrorMessage != "" {
		b.WriteString("Error:\n")
		b.WriteString(color.HiRedString(indent(strings.TrimSpace(workflow.ErrorMessage), "  ")) + "\n")
	}
	if workflow.CommandLine != "" {
		b.WriteString("Command:\n")
		b.WriteString(formatCommandLine(workflow.CommandLine, 80) + "\n")
	}
	return b.String()
}

func progressSummary(progress tower.Progress) string {
	parts := []string{}
	for _, part := range []struct {
		count int
		label string
	}{
		{progress.Running, "running"},
		{progress.Succeeded, "succeeded"},
		{progress.Cached, "cached"},
		{progress.Failed, "failed"},
		{progress.Pending, "pending"},
		{progress.Submitted, "submitted"},
	} {
		if part.count > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", part.count, part.label))
		}
	}
	return strings.Join(parts, ", ")
}

func indent(s string, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// formatCommandLine wraps a shell-quoted nextflow command across multiple lines for
// readability, using backslash continuations so the output is copy-pasteable into a shell.
// It forces line breaks before each pipeline parameter ("--name value", kept together).
func formatCommandLine(command string, maxWidth int) string {
	args := shellFields(command)
	if len(args) == 0 {
		return ""
	}

	const indent = "  "
	const continuation = indent + "  "

	var lines []string
	line := indent + args[0]
	lastWasParamFlag := false

	for _, arg := range args[1:] {
		// Force break before every pipeline parameter
		if strings.HasPrefix(arg, "--") {
			lines = append(lines, line+" \\")
			line = continuation + arg
			lastWasParamFlag = !strings.Contains(arg, "=")
			continue
		}

		// Keep the value on the same line as its parameter
		if lastWasParamFlag {
			line += " " + arg
			lastWasParamFlag = false
			continue
		}

		// Normal maxWidth wrapping
		if len(line)+1+len(arg)+2 > maxWidth {
			lines = append(lines, line+" \\")
			line = continuation + arg
		} else {
			line += " " + arg
		}
	}
	lines = append(lines, line)

	return strings.Join(lines, "\n")
}

// shellFields splits a shell-quoted string into tokens, respecting single quotes
// (as produced by shellescape.QuoteCommand). Unquoted tokens are split on whitespace.
func shellFields(s string) []string {
	var args []string
	var current strings.Builder
	inQuote := false
	hasContent := false // tracks whether we've seen any content (including empty quotes)

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'' && !inQuote:
			inQuote = true
			hasContent = true
		case ch == '\'' && inQuote:
			inQuote = false
		case (ch == ' ' || ch == '\n' || ch == '\t') && !inQuote:
			if hasContent {
				args = append(args, current.String())
				current.Reset()
				hasContent = false
			}
		default:
			current.WriteByte(ch)
			hasContent = true
		}
	}
	if hasContent {
		args = append(args, current.String())
	}
	return args
}
