package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mixsignal/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect committed pipeline runs",
	Long:  "Commands for listing, viewing, and summarizing committed pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := env.Service.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its model results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Service.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		results, err := env.Service.MMMResults(ctx, run.RunID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		return printJSON(os.Stdout, struct {
			Run        *model.PipelineRun `json:"run"`
			MMMResults []model.MMMResult  `json:"mmm_results"`
		}{run, results})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Service.ListRuns(ctx, 10000) // high limit for stats
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		since, _ := cmd.Flags().GetDuration("since")
		if since > 0 {
			runs = runsSince(runs, time.Now().Add(-since))
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h, 0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func runsSince(runs []model.PipelineRun, cutoff time.Time) []model.PipelineRun {
	var out []model.PipelineRun
	for _, r := range runs {
		if !r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total          int
	LowConfidence  int
	AvgR2          float64
	AvgStability   float64
	Orders         int
	AttributedRate float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.PipelineRun) runStats {
	var s runStats
	s.Total = len(runs)

	var fitted int
	var revenue, attributed float64
	for _, r := range runs {
		if d := r.Diagnostics; d != nil {
			fitted++
			s.AvgR2 += d.R2
			s.AvgStability += d.StabilityIndex
			if d.LowConfidence {
				s.LowConfidence++
			}
		}
		if a := r.Attribution; a != nil {
			s.Orders += a.Orders
			revenue += a.TotalRevenue
			attributed += a.AttributedRevenue
		}
	}

	if fitted > 0 {
		s.AvgR2 /= float64(fitted)
		s.AvgStability /= float64(fitted)
	}
	if revenue > 0 {
		s.AttributedRate = attributed / revenue
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWINDOW\tSEED\tR2\tSTABILITY\tORDERS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t--\t---------\t------\t-------")

	for _, r := range runs {
		r2, stability := "-", "-"
		if d := r.Diagnostics; d != nil {
			r2 = fmt.Sprintf("%.3f", d.R2)
			stability = fmt.Sprintf("%.2f", d.StabilityIndex)
			if d.LowConfidence {
				stability += "*"
			}
		}
		orders := "-"
		if r.Attribution != nil {
			orders = fmt.Sprintf("%d", r.Attribution.Orders)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			truncateID(r.RunID),
			r.Window(),
			r.Seed,
			r2,
			stability,
			orders,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "  Low confidence:\t%d\n", s.LowConfidence)
	_, _ = fmt.Fprintf(w, "Avg R2:\t%.3f\n", s.AvgR2)
	_, _ = fmt.Fprintf(w, "Avg stability:\t%.2f\n", s.AvgStability)
	_, _ = fmt.Fprintf(w, "Orders:\t%d\n", s.Orders)
	if s.Orders > 0 {
		_, _ = fmt.Fprintf(w, "Attributed revenue:\t%.1f%%\n", s.AttributedRate*100)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
