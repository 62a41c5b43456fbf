package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mixsignal/internal/model"
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Review budget decisions",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decisions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		decisions, err := env.Service.Decisions(ctx, status, runID, limit)
		if err != nil {
			return eris.Wrap(err, "decisions list")
		}
		if asJSON {
			return printJSON(os.Stdout, decisions)
		}
		if len(decisions) == 0 {
			fmt.Fprintln(os.Stderr, "No decisions found.")
			return nil
		}
		formatDecisions(os.Stdout, decisions)
		return nil
	},
}

var decisionsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize the decisions of a run (default latest)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initQuery(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		summary, err := env.Service.DecisionSummary(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "decisions summary")
		}
		return printJSON(os.Stdout, summary)
	},
}

func init() {
	decisionsListCmd.Flags().String("status", "", "filter by status (pending, approved, rejected)")
	decisionsListCmd.Flags().String("run", "", "filter by run id")
	decisionsListCmd.Flags().Int("limit", 50, "max number of decisions to display")
	decisionsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	decisionsSummaryCmd.Flags().String("run", "", "run id (default latest)")

	decisionsCmd.AddCommand(decisionsListCmd)
	decisionsCmd.AddCommand(decisionsSummaryCmd)
	decisionsCmd.AddCommand(reviewCommand("approve", model.DecisionApproved))
	decisionsCmd.AddCommand(reviewCommand("reject", model.DecisionRejected))
	rootCmd.AddCommand(decisionsCmd)
}

// reviewCommand builds the approve/reject subcommands.
func reviewCommand(verb string, status model.DecisionStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <decision-id>",
		Short: fmt.Sprintf("Mark a pending decision %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := initQuery(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			d, err := env.Service.UpdateDecisionStatus(ctx, args[0], string(status))
			if err != nil {
				return eris.Wrapf(err, "decisions %s", verb)
			}
			return printJSON(os.Stdout, d)
		},
	}
}

// formatDecisions writes a tabular list of decisions to w.
func formatDecisions(out io.Writer, decisions []model.Decision) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tCHANNEL\tACTION\tCHANGE\tIMPACT\tCONFIDENCE\tSTATUS\tFLAGS")
	_, _ = fmt.Fprintln(w, "--\t---\t-------\t------\t------\t------\t----------\t------\t-----")

	for _, d := range decisions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%+.1f%%\t%.2f\t%.2f\t%s\t%s\n",
			truncateID(d.DecisionID),
			truncateID(d.RunID),
			d.Channel,
			d.RecommendedAction,
			d.BudgetChangePct,
			d.ProjectedImpact,
			d.ConfidenceScore,
			d.Status,
			strings.Join(d.RiskFlags, ","),
		)
	}
	_ = w.Flush()
}
