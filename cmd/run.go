package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/service"
)

var (
	runSeed    uint64
	runStart   string
	runEnd     string
	runMTAMode string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the attribution and MMM pipeline once",
	Long:  "Loads the configured snapshot, runs attribution and MMM, reconciles them, derives decisions and commits the run. The command blocks until the run finishes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := runRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		rc, runErr := env.Service.RunSync(ctx, req)
		if rc == nil {
			return runErr
		}

		zap.L().Info("run finished",
			zap.String("run_id", rc.RunID),
			zap.String("status", string(rc.State)),
			zap.String("error_code", rc.ErrorCode),
		)

		if err := printJSON(os.Stdout, rc); err != nil {
			return err
		}
		if runErr != nil {
			return eris.Wrapf(runErr, "run %s", rc.RunID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Uint64Var(&runSeed, "seed", 0, "random seed (default derived from the data snapshot)")
	runCmd.Flags().StringVar(&runStart, "start", "", "window start date (YYYY-MM-DD, requires --end)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "window end date (YYYY-MM-DD, default yesterday)")
	runCmd.Flags().StringVar(&runMTAMode, "mta-mode", "", "multi-touch mode override (equal_weight, markov)")
	rootCmd.AddCommand(runCmd)
}

// runRequestFromFlags builds a run request from the run command's flags.
func runRequestFromFlags(cmd *cobra.Command) (service.RunRequest, error) {
	req := service.RunRequest{MTAMode: model.MTAMode(runMTAMode)}
	if cmd.Flags().Changed("seed") {
		seed := runSeed
		req.Seed = &seed
	}
	var err error
	if req.Start, err = parseDate("--start", runStart); err != nil {
		return req, err
	}
	if req.End, err = parseDate("--end", runEnd); err != nil {
		return req, err
	}
	return req, nil
}

// parseDate parses an optional YYYY-MM-DD value.
func parseDate(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(model.DateLayout, value)
	if err != nil {
		return nil, model.NewInvalidInput("%s %q is not YYYY-MM-DD", name, value)
	}
	return &t, nil
}

// printJSON writes v as indented JSON.
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
