package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/source"
)

// -- mmm --

var mmmCmd = &cobra.Command{
	Use:   "mmm",
	Short: "Inspect marketing mix model output",
}

var mmmStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recent model run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Service.MMMStatus(ctx)
		if err != nil {
			return eris.Wrap(err, "mmm status")
		}
		return printJSON(os.Stdout, st)
	},
}

var mmmResultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show per-channel model results (default latest run)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		asJSON, _ := cmd.Flags().GetBool("json")
		results, err := env.Service.MMMResults(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "mmm results")
		}
		if asJSON {
			return printJSON(os.Stdout, results)
		}
		formatMMMResults(os.Stdout, results)
		return nil
	},
}

// -- metrics --

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Query unified daily channel metrics from the latest run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		start, end, err := windowFlags(cmd)
		if err != nil {
			return err
		}
		channel, _ := cmd.Flags().GetString("channel")

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Service.UnifiedMetrics(ctx, start, end, channel)
		if err != nil {
			return eris.Wrap(err, "metrics")
		}
		return printJSON(os.Stdout, rows)
	},
}

// -- reconcile --

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Show how far attribution and MMM channel shares disagree",
	Long:  "Prints the latest run's reconciliation report. With --start and --end the shares are recomputed over that part of the run window.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		start, end, err := windowFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Service.Reconciliation(ctx, start, end)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		return printJSON(os.Stdout, report)
	},
}

// -- optimize / simulate --

var optimizeCmd = &cobra.Command{
	Use:   "optimize <total-budget>",
	Short: "Allocate a budget across channels from the latest response curves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		total, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return model.NewInvalidInput("total budget %q is not a number", args[0])
		}

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		alloc, err := env.Service.OptimizeBudget(ctx, total)
		if err != nil {
			return eris.Wrap(err, "optimize")
		}
		return printJSON(os.Stdout, alloc)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <channel=delta>...",
	Short: "Project the revenue change of relative spend deltas",
	Long:  "Each argument is channel=delta where delta is a fraction of current spend, e.g. meta=0.2 google=-0.1.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		deltas, err := parseDeltas(args)
		if err != nil {
			return err
		}

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sim, err := env.Service.Simulate(ctx, deltas)
		if err != nil {
			return eris.Wrap(err, "simulate")
		}
		return printJSON(os.Stdout, sim)
	},
}

// -- store --

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the result store",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintf(os.Stdout, "store ready (%s)\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	mmmResultsCmd.Flags().String("run", "", "run id (default latest)")
	mmmResultsCmd.Flags().Bool("json", false, "print JSON instead of a table")
	mmmCmd.AddCommand(mmmStatusCmd)
	mmmCmd.AddCommand(mmmResultsCmd)

	for _, c := range []*cobra.Command{metricsCmd, reconcileCmd} {
		c.Flags().String("start", "", "window start (YYYY-MM-DD)")
		c.Flags().String("end", "", "window end (YYYY-MM-DD)")
	}
	metricsCmd.Flags().String("channel", "", "filter by channel")

	storeCmd.AddCommand(storeInitCmd)

	rootCmd.AddCommand(mmmCmd, metricsCmd, reconcileCmd, optimizeCmd, simulateCmd, storeCmd)
}

// windowFlags reads the optional --start and --end flags.
func windowFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	var start, end time.Time
	startFlag, _ := cmd.Flags().GetString("start")
	endFlag, _ := cmd.Flags().GetString("end")
	s, err := parseDate("--start", startFlag)
	if err != nil {
		return start, end, err
	}
	e, err := parseDate("--end", endFlag)
	if err != nil {
		return start, end, err
	}
	if s != nil {
		start = *s
	}
	if e != nil {
		end = *e
	}
	return start, end, nil
}

// parseDeltas parses channel=delta arguments.
func parseDeltas(args []string) (map[string]float64, error) {
	deltas := make(map[string]float64, len(args))
	for _, arg := range args {
		ch, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(ch) == "" {
			return nil, model.NewInvalidInput("delta %q is not channel=value", arg)
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, model.NewInvalidInput("delta %q has a non-numeric value", arg)
		}
		deltas[source.Channel(ch)] = d
	}
	return deltas, nil
}

// formatMMMResults writes per-channel results sorted by coefficient.
func formatMMMResults(out io.Writer, results []model.MMMResult) {
	sorted := append([]model.MMMResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Coefficient > sorted[j].Coefficient })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHANNEL\tCOEF\tCI\tHALF_LIFE\tELASTICITY\tVIF\tR2")
	_, _ = fmt.Fprintln(w, "-------\t----\t--\t---------\t----------\t---\t--")
	for _, r := range sorted {
		ci := "-"
		if r.ConfidenceIntervalLow != nil && r.ConfidenceIntervalHigh != nil {
			ci = fmt.Sprintf("[%.3f, %.3f]", *r.ConfidenceIntervalLow, *r.ConfidenceIntervalHigh)
		}
		channel := r.Channel
		if r.LowConfidence {
			channel += "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%.3f\t%s\t%.1f\t%.3f\t%.2f\t%.3f\n",
			channel, r.Coefficient, ci, r.AdstockHalfLife, r.Elasticity, r.VIF, r.GoodnessOfFitR2)
	}
	_ = w.Flush()
}
