package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs RUN_ID",
	Short: "Show the Nextflow log of a run, or download it with -o",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		output := lo.Must(cmd.Flags().GetString("output"))
		if output == "" {
			return printLog(cmd.Context(), c, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		}

		file := lo.Must(cmd.Flags().GetString("file"))
		if err := downloadLog(cmd.Context(), c, args[0], file, output); err != nil {
			return err
		}
		cmd.PrintErrln(color.HiGreenString("Saved log of run '%s' to '%s'", args[0], output))
		return nil
	},
}

func init() {
	logsCmd.Flags().StringP("output", "o", "", "download the full log to this file, zstd compressed when it ends with .zst")
	logsCmd.Flags().String("file", "", "name of the file to download (default: the Nextflow log)")
}

type logGetter interface {
	GetWorkflowLog(ctx context.Context, id string) (*tower.LogPage, error)
	DownloadWorkflowFile(ctx context.Context, id string, fileName string, w io.Writer) error
}

// printLog writes the tail of the run log kept by Tower.
func printLog(ctx context.Context, c logGetter, id string, w io.Writer, errw io.Writer) error {
	page, err := c.GetWorkflowLog(ctx, id)
	if err != nil {
		return err
	}

	for _, entry := range page.Entries {
		if _, err := fmt.Fprintln(w, entry); err != nil {
			return err
		}
	}
	if page.Pending {
		fmt.Fprintln(errw, color.HiYellowString("The run has not started logging yet"))
	}
	if page.Truncated {
		fmt.Fprintln(errw, color.HiYellowString("Log truncated, use -o to download it in full"))
	}
	return nil
}

// downloadLog saves a file of the run (the Nextflow log by default) to output.
func downloadLog(ctx context.Context, c logGetter, id string, file string, output string) (err error) {
	if file == "" {
		page, err := c.GetWorkflowLog(ctx, id)
		if err != nil {
			return err
		}
		if len(page.Downloads) == 0 {
			return fmt.Errorf("run '%s' has no log to download yet", id)
		}
		file = page.Downloads[0].FileName
		for _, download := range page.Downloads {
			if strings.HasPrefix(download.FileName, "nf-") {
				file = download.FileName
				break
			}
		}
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", output, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(output, ".zst") {
		encoder, zerr := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if zerr != nil {
			return fmt.Errorf("zstd: %w", zerr)
		}
		defer func() {
			if closeErr := encoder.Close(); err == nil {
				err = closeErr
			}
		}()
		w = encoder
	}

	return c.DownloadWorkflowFile(ctx, id, file, w)
}
