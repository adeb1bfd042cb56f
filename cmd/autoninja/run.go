package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/McKhanster/autoninja-sub001/api"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

var runID string

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Run the pipeline once in this process",
	Long: `Run the pipeline for a request and print the final run status as JSON.
The request is read from the arguments, or from stdin when none is given
or the only argument is "-". The command fails unless the run succeeds.

Examples:
  autoninja run "build an agent that books meeting rooms"
  cat request.txt | autoninja run -`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runID, "run-id", "", "Use this run id instead of a generated one")
}

func runRun(cmd *cobra.Command, args []string) error {
	request, err := readRequest(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	ctx, cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, overrides{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	st, err := a.coordinator.Run(ctx, pipeline.Input{Request: request, RunID: runID})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "run_id", V: st.RunID}, log.KV{K: "status", V: st.Status})
	if err := printJSON(cmd.OutOrStdout(), api.NewRunResponse(st)); err != nil {
		return err
	}
	if st.Status != pipeline.StatusSuccess {
		return fmt.Errorf("run %s ended %s at stage %s (attempt %d): %s", st.RunID, st.Status, st.Stage, st.Attempt, st.Error)
	}
	return nil
}

func readRequest(stdin io.Reader, args []string) (string, error) {
	var request string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		request = string(b)
	} else {
		request = strings.Join(args, " ")
	}
	request = strings.TrimSpace(request)
	if request == "" {
		return "", fmt.Errorf("no request to run")
	}
	return request, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
