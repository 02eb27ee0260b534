// Package main implements the studioctl CLI for manual operations against
// a running studiod server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the studiod HTTP server.
	serverURL string
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "studioctl",
	Short: "CLI for studiod server operations",
	Long: `studioctl is a command-line interface for a running studiod server.
It covers health checks, checkpoint management, blocking reports, and
compliance reporting.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8470", "studiod server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(auditCmd)
	checkpointCmd.AddCommand(checkpointSaveCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return getJSON(cmd, "/health")
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage project checkpoints",
	Long: `Manage project checkpoints.

Examples:
  # Save a checkpoint
  studioctl checkpoint save <project-id> --label "before refactor"

  # List a project's checkpoints
  studioctl checkpoint list <project-id>

  # Restore a checkpoint (an automatic backup is taken first)
  studioctl checkpoint restore <checkpoint-id>`,
}

var checkpointLabel string

var checkpointSaveCmd = &cobra.Command{
	Use:   "save <project-id>",
	Short: "Save a new checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(cmd, "/api/v1/projects/"+args[0]+"/checkpoints",
			map[string]string{"label": checkpointLabel})
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's checkpoints, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/v1/projects/"+args[0]+"/checkpoints")
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Restore a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(cmd, "/api/v1/checkpoints/"+args[0]+"/restore", nil)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <project-id>",
	Short: "Show a project's blocking report",
	Long: `Show every blocked artifact in a project together with its
unresolved conflicts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/v1/projects/"+args[0]+"/blocking-report")
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the compliance report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return getJSON(cmd, "/api/v1/audit/report")
	},
}

func init() {
	checkpointSaveCmd.Flags().StringVar(&checkpointLabel, "label", "", "checkpoint label")
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(cmd *cobra.Command, path string) error {
	resp, err := client().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func postJSON(cmd *cobra.Command, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := client().Post(serverURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

// printResponse pretty-prints the server's JSON body to stdout and turns
// non-2xx statuses into errors.
func printResponse(cmd *cobra.Command, resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
