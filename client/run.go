package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/batch"
	"github.com/gammadia/towerlaunch/client/ui"
	"github.com/gammadia/towerlaunch/dataset"
	"github.com/gammadia/towerlaunch/flags"
	"github.com/gammadia/towerlaunch/launchfile"
	"github.com/gammadia/towerlaunch/log"
	"github.com/gammadia/towerlaunch/metrics"
	"github.com/gammadia/towerlaunch/monitor"
	"github.com/gammadia/towerlaunch/namegen"
	"github.com/gammadia/towerlaunch/state"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run DATASETS",
	Short: "Launch the pipeline chain for every dataset of a datasets file",
	Long: `Launch the pipeline chain for every dataset of a datasets file.

Every dataset runs its own chain of templates (-t, in order): a template is launched
once the previous one succeeded. Chains run concurrently and a failing chain does not
stop the others. Built-in templates: ` + strings.Join(launchfile.Builtins(), ", ") + `.`,
	Args: cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var spinner *ui.Spinner
		if !verbose {
			spinner = ui.NewSpinner("Reading datasets")
		} else {
			cmd.PrintErrln(ui.SectionHeaderColor.Sprint("  Reading datasets  "))
		}
		datasets, err := dataset.Load(args[0])
		if err == nil {
			datasets, err = dataset.Filter(datasets, lo.Must(cmd.Flags().GetStringSlice("only")))
		}
		if err != nil {
			spinner.Fail()
			return fmt.Errorf("failed to read datasets from '%s': %w", args[0], err)
		}

		stages, err := readStages(lo.Must(cmd.Flags().GetStringArray("template")))
		if err != nil {
			spinner.Fail()
			return err
		}
		spinner.Success(fmt.Sprintf("Read %d datasets, %d stages (%s)", len(datasets), len(stages), strings.Join(stageNames(stages), " → ")))

		readOptions := launchfile.ReadOptions{
			Params: lo.SliceToMap(lo.Must(cmd.Flags().GetStringArray("param")), func(item string) (key, value string) { key, value, _ = strings.Cut(item, "="); return }),
		}

		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			return dryRun(cmd, datasets, stages, readOptions)
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}

		runner := &batch.Runner{
			Launcher:           c,
			Monitor:            monitor.New(c),
			Stages:             stages,
			ReadOptions:        readOptions,
			ComputeEnv:         lo.Must(cmd.Flags().GetString("compute-env")),
			MaxParallel:        lo.Must(cmd.Flags().GetInt("max-parallel")),
			IgnorePreviousRuns: lo.Must(cmd.Flags().GetBool("ignore-previous-runs")),
			Async:              lo.Must(cmd.Flags().GetBool("async")),
		}
		runner.Monitor.Interval = lo.Must(cmd.Flags().GetDuration("poll-interval"))
		runner.Monitor.MaxErrors = lo.Must(cmd.Flags().GetInt("max-poll-errors"))

		batchName := namegen.Get().String()
		if store, err := state.Open(viper.GetString(flags.StateDb)); err != nil {
			log.Warn("Run ledger unavailable, runs will not show in history", "error", err)
		} else {
			defer store.Close()
			runner.Ledger, runner.BatchID = startBatch(cmd.Context(), store, batchName, args[0], stageNames(stages))
		}

		var wg sync.WaitGroup
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if addr := lo.Must(cmd.Flags().GetString("metrics-listen")); addr != "" {
			collector := metrics.New()
			events, _ := runner.Subscribe()
			wg.Add(2)
			go func() {
				defer wg.Done()
				collector.Observe(events)
			}()
			go func() {
				defer wg.Done()
				if err := collector.Serve(ctx, addr); err != nil {
					log.Error("Metrics server failed", "error", err)
				}
			}()
		}

		events, _ := runner.Subscribe()
		renderer := newBatchRenderer(batchName, len(datasets), verbose)
		wg.Add(1)
		go func() {
			defer wg.Done()
			renderer.run(events)
		}()

		results := runner.Run(ctx, datasets)
		cancel()
		wg.Wait()

		cmd.Println()
		cmd.Println(ui.SectionHeaderColor.Sprintf("  Batch '%s'  ", batchName))
		cmd.Print(formatResults(results))

		summary := batch.Summarize(results)
		if errors.Is(cmd.Context().Err(), context.Canceled) {
			return fmt.Errorf("interrupted, %d of %d datasets did not complete (runs keep going on Tower)", summary.Failed, summary.Datasets)
		}
		if summary.Failed > 0 {
			for _, result := range results {
				if result.Err != nil {
					cmd.PrintErrln(color.HiRedString("%s: %s", result.Dataset.ID, result.Err))
				}
			}
			return fmt.Errorf("%d of %d datasets failed", summary.Failed, summary.Datasets)
		}

		if runner.Async {
			cmd.Println(asyncSummary(summary.Datasets, batchName))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayP("template", "t", []string{"sarek"}, "launch templates to chain, built-in name or file")
	runCmd.Flags().StringP("compute-env", "c", "", "compute environment name filter or ID, overriding the templates' (default \""+batch.DefaultComputeEnv+"\")")
	runCmd.Flags().StringArrayP("param", "p", nil, "template parameters to set (key=value)")
	runCmd.Flags().StringSlice("only", nil, "only run the datasets with these IDs")
	runCmd.Flags().Int("max-parallel", 0, "maximum number of chains running at once (0: no limit)")
	runCmd.Flags().Duration("poll-interval", monitor.DefaultInterval, "delay between run status checks")
	runCmd.Flags().Int("max-poll-errors", monitor.DefaultMaxErrors, "consecutive failed status checks before giving up on a run")
	runCmd.Flags().Bool("ignore-previous-runs", false, "launch even when a run with the same name exists")
	runCmd.Flags().Bool("async", false, "launch the first stage of every chain and exit without waiting")
	runCmd.Flags().BoolP("dry-run", "n", false, "render then show the launches without running them")
	runCmd.Flags().String("metrics-listen", "", "serve Prometheus metrics on this address while running (e.g. ':9090')")

	lo.Must0(runCmd.RegisterFlagCompletionFunc("template", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return launchfile.Builtins(), cobra.ShellCompDirectiveDefault
	}))
}

type batchLedger interface {
	batch.Ledger
	CreateBatch(ctx context.Context, name string, datasetsFile string, stages []string) (*state.Batch, error)
}

// startBatch records a new batch in the ledger. Runs are not recorded when that fails.
func startBatch(ctx context.Context, ledger batchLedger, name string, datasetsFile string, stages []string) (batch.Ledger, string) {
	b, err := ledger.CreateBatch(ctx, name, datasetsFile, stages)
	if err != nil {
		log.Warn("Failed to record batch, runs will not show in history", "batch", name, "error", err)
		return nil, ""
	}
	return ledger, b.ID
}

func asyncSummary(datasets int, batchName string) string {
	return color.HiGreenString("Launched %d chains, follow them with 'towerlaunch history %s'", datasets, batchName)
}

func readStages(templates []string) ([]batch.Stage, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("at least one template is required")
	}

	var stages []batch.Stage
	for _, name := range templates {
		template, err := launchfile.Read(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read template '%s': %w", name, err)
		}
		stage := batch.Stage{Name: stageName(name), Template: template}
		if lo.ContainsBy(stages, func(s batch.Stage) bool { return s.Name == stage.Name }) {
			return nil, fmt.Errorf("template '%s' is used twice", stage.Name)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// stageName is the template name without directory and extension.
func stageName(nameOrPath string) string {
	base := filepath.Base(nameOrPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func stageNames(stages []batch.Stage) []string {
	return lo.Map(stages, func(stage batch.Stage, _ int) string { return stage.Name })
}

func dryRun(cmd *cobra.Command, datasets []dataset.Dataset, stages []batch.Stage, options launchfile.ReadOptions) error {
	var errs []error
	for _, d := range datasets {
		for _, stage := range stages {
			launch, err := stage.Template.Render(d, options)
			if err != nil {
				var e launchfile.UnmarshalError
				if errors.As(err, &e) && verbose {
					cmd.PrintErrln(e.Source)
				}
				errs = append(errs, fmt.Errorf("%s/%s: %w", d.ID, stage.Name, err))
				continue
			}

			cmd.Println()
			cmd.Println(ui.SectionHeaderColor.Sprintf("  %s / %s  ", d.ID, stage.Name))
			if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(launch); err != nil {
				return err
			}
			cmd.Println("# " + launchfile.CommandLine(launch.LaunchInfo))
		}
	}
	return errors.Join(errs...)
}
