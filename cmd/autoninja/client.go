package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	trailStage  string
	trailAction string
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of a run",
	Long: `Fetch the status of a run from an autoninja server.

Examples:
  autoninja status run-weather-20260101-120000
  autoninja status --server http://localhost:9000 run-weather-20260101-120000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd.Context(), cmd.OutOrStdout(), "/v1/runs/"+url.PathEscape(args[0]), nil)
	},
}

var trailCmd = &cobra.Command{
	Use:   "trail <run-id>",
	Short: "Show the audit trail of a run",
	Long: `Fetch the audit records and artifact keys of a run from an autoninja
server, optionally narrowed to a stage and an action.

Examples:
  autoninja trail run-weather-20260101-120000
  autoninja trail --stage validation run-weather-20260101-120000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if trailStage != "" {
			q.Set("stage", trailStage)
		}
		if trailAction != "" {
			q.Set("action", trailAction)
		}
		return getJSON(cmd.Context(), cmd.OutOrStdout(), "/v1/runs/"+url.PathEscape(args[0])+"/trail", q)
	},
}

func init() {
	trailCmd.Flags().StringVar(&trailStage, "stage", "", "Only records of this stage")
	trailCmd.Flags().StringVar(&trailAction, "action", "", "Only records of this action")
}

// getJSON fetches path from the server and pretty prints the JSON body.
func getJSON(ctx context.Context, w io.Writer, path string, q url.Values) error {
	u := strings.TrimRight(serverURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return printJSON(w, v)
}
