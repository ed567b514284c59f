// Package main implements lexctl, a CLI for operating a running lexd server.
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
	// serverURL is the base URL of the lexd HTTP server
	serverURL string
	// asJSON prints raw response bodies
	asJSON  bool
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lexctl",
	Short: "CLI for lexd server operations",
	Long: `lexctl talks to a running lexd server. It schedules document
ingestion, follows task progress, asks questions and checks health.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8420", "lexd server URL")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON responses")
	rootCmd.AddCommand(healthCmd, ingestCmd, retryCmd, progressCmd, queryCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check lexd server health",
	Long: `Check the health status of the lexd server and its dependencies.

Examples:
  lexctl health
  lexctl health --server http://lexd.internal:8420`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

// HealthResponse matches internal/http HealthResponse.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services,omitempty"`
}

// apiError matches internal/http ErrorResponse.
type apiError struct {
	Status   int    `json:"-"`
	Message  string `json:"error"`
	Code     string `json:"code"`
	Required int    `json:"required,omitempty"`
	Balance  *int   `json:"balance,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned status %d", e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code == "insufficient_credits" && e.Balance != nil {
		msg += fmt.Sprintf(" [required %d, balance %d]", e.Required, *e.Balance)
	}
	return msg
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp HealthResponse
	// A degraded server answers 503 with a full body.
	err := call(http.MethodGet, "/health", nil, nil, &resp)
	if apiErr, ok := err.(*apiError); ok && apiErr.Status == http.StatusServiceUnavailable && resp.Status != "" {
		err = nil
	}
	if err != nil {
		return err
	}
	if asJSON {
		return outputJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Server URL: %s\n", serverURL)
	if resp.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", resp.Version)
	}
	for name, status := range resp.Services {
		fmt.Fprintf(out, "  %-10s %s\n", name, status)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("server is %s", resp.Status)
	}
	return nil
}

// call sends body as JSON and decodes a 2xx reply into out. Error replies
// become *apiError; for 503 the body is also decoded into out.
func call(method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := serverURL + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
