package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/api"
	"github.com/mattjoyce/forkpool/internal/pool"
)

const envAPIKey = "FORKPOOL_API_KEY"

// apiClient talks to a running forkpool serve instance.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func addClientFlags(cmd *cobra.Command, c *apiClient) {
	cmd.Flags().StringVar(&c.baseURL, "url", "http://127.0.0.1:8080", "forkpool API URL")
	cmd.Flags().StringVar(&c.apiKey, "api-key", os.Getenv(envAPIKey), "API bearer token (or "+envAPIKey+")")
}

// do sends body as JSON and decodes the response into out. Statuses other
// than 2xx become errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	if c.apiKey == "" {
		return 0, fmt.Errorf("API key required: use --api-key or %s", envAPIKey)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
		}
		// Submit and launch failures carry their own body.
		if out != nil && json.Unmarshal(data, out) == nil {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func newSubmitCmd() *cobra.Command {
	c := &apiClient{}
	var (
		data   string
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "submit <command> [argv...]",
		Short: "Submit a job to a running pool",
		Long: `Submits a job to the pool of a running "forkpool serve". With --detach the
job runs in a one-shot background process instead of a pooled worker.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.JobRequest{Command: args[0], Data: data}
			if len(args) > 1 {
				payload := map[string]any{"argv": strings.Join(args[1:], " ")}
				if data != "" {
					return fmt.Errorf("argv and --data cannot be combined; put argv inside --data")
				}
				raw, err := json.Marshal(payload)
				if err != nil {
					return err
				}
				req.Payload = raw
			}

			if detach {
				var resp api.LaunchResponse
				if _, err := c.do(cmd.Context(), http.MethodPost, "/v1/launch", req, &resp); err != nil {
					return err
				}
				if !resp.Launched {
					return fmt.Errorf("launch of %q failed", resp.Command)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "launched %s\n", resp.Command)
				return nil
			}

			var resp api.SubmitResponse
			if _, err := c.do(cmd.Context(), http.MethodPost, "/v1/jobs", req, &resp); err != nil {
				return err
			}
			if !resp.Dispatched {
				return fmt.Errorf("job not dispatched: %s %s", resp.Status, resp.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched to slot %d (attempts=%d recycled=%t)\n", resp.Slot, resp.Attempts, resp.Recycled)
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	addClientFlags(cmd, c)
	cmd.Flags().StringVarP(&data, "data", "d", "", "Job payload (JSON object or query string)")
	cmd.Flags().BoolVar(&detach, "detach", false, "Launch in a detached process instead of the pool")
	return cmd
}

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect a running pool",
	}

	c := &apiClient{}
	var jsonOut bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show slot state of a running pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st pool.Stats
			if _, err := c.do(cmd.Context(), http.MethodGet, "/v1/pool", nil, &st); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			renderStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
	addClientFlags(status, c)
	status.Flags().BoolVar(&jsonOut, "json", false, "Output raw JSON")
	cmd.AddCommand(status)
	return cmd
}
