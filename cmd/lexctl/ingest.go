package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	progressWatch    bool
	progressInterval time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <document-id>",
	Short: "Schedule ingestion of an uploaded document",
	Long: `Schedule ingestion of a document whose record and file already exist.
Ingesting a document that is already in flight returns the existing task.

Examples:
  lexctl ingest tbk-6098
  lexctl ingest tbk-6098 --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedule(cmd, args[0], "ingest")
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Retry ingestion of a failed document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedule(cmd, args[0], "retry")
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <task-id>",
	Short: "Show the progress of an ingestion task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProgress(cmd, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, retryCmd, progressCmd} {
		c.Flags().BoolVar(&progressWatch, "watch", false, "poll until the task finishes")
		c.Flags().DurationVar(&progressInterval, "interval", time.Second, "poll interval with --watch")
	}
}

// TaskResponse matches internal/http TaskResponse.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// Task matches progress.Task.
type Task struct {
	ID      string `json:"task_id"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
	Step    string `json:"current_step"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (t Task) finished() bool {
	return t.Status == "completed" || t.Status == "failed"
}

func runSchedule(cmd *cobra.Command, documentID, action string) error {
	var resp TaskResponse
	path := fmt.Sprintf("/api/v1/documents/%s/%s", url.PathEscape(documentID), action)
	if err := call(http.MethodPost, path, nil, nil, &resp); err != nil {
		return err
	}
	if asJSON && !progressWatch {
		return outputJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task: %s\n", resp.TaskID)
	if progressWatch {
		return runProgress(cmd, resp.TaskID)
	}
	return nil
}

func runProgress(cmd *cobra.Command, taskID string) error {
	out := cmd.OutOrStdout()
	for {
		var task Task
		if err := call(http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &task); err != nil {
			return err
		}
		if asJSON {
			if err := outputJSON(out, task); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "%-10s %s %3d%% %s\n", task.Status, bar(task.Percent, 20), task.Percent, task.Step)
		}
		if !progressWatch || task.finished() {
			if task.Status == "failed" {
				return fmt.Errorf("task %s failed: %s", taskID, task.Error)
			}
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(progressInterval):
		}
	}
}

func bar(percent, width int) string {
	percent = max(0, min(100, percent))
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
