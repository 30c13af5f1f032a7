package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edudirectory/edusync/pkg/jobs"
)

var (
	historyLimit int
	processLimit int
	jobsState    string
	jobsPageSize int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the batch application queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per state",
	RunE:  runQueueStats,
}

var queueHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished jobs, most recent first",
	RunE:  runQueueHistory,
}

var queueJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs, optionally filtered by state",
	RunE:  runQueueJobs,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process a batch now, ignoring the processing window (reviewer only)",
	RunE:  runQueueProcess,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job (reviewer only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

func init() {
	queueHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of jobs")
	queueJobsCmd.Flags().StringVar(&jobsState, "state", "", "Filter by state (queued, processing, completed, failed, conflict, canceled)")
	queueJobsCmd.Flags().IntVar(&jobsPageSize, "page-size", 50, "Maximum number of jobs")
	queueProcessCmd.Flags().IntVar(&processLimit, "limit", 0, "Batch size (default the server's batch size)")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueHistoryCmd)
	queueCmd.AddCommand(queueJobsCmd)
	queueCmd.AddCommand(queueProcessCmd)
	queueCmd.AddCommand(queueCancelCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	client := newClient()

	var stats jobs.QueueStats
	if err := client.getJSON(apiPath("/queue/stats"), &stats); err != nil {
		return err
	}

	if structured() {
		return printOutput(stats)
	}

	printTable([]string{"State", "Count"}, [][]string{
		{"queued", strconv.Itoa(stats.Queued)},
		{"retrying", strconv.Itoa(stats.Retrying)},
		{"processing", strconv.Itoa(stats.Processing)},
		{"completed", strconv.Itoa(stats.Completed)},
		{"failed", strconv.Itoa(stats.Failed)},
		{"conflict", strconv.Itoa(stats.Conflict)},
		{"canceled", strconv.Itoa(stats.Canceled)},
		{"total", strconv.Itoa(stats.Total)},
	})
	return nil
}

func runQueueHistory(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp struct {
		Jobs []jobs.JobResponse `json:"jobs"`
	}
	if err := client.getJSON(apiPath("/queue/history?limit=%d", historyLimit), &resp); err != nil {
		return err
	}

	if structured() {
		return printOutput(resp)
	}
	printJobs(resp.Jobs)
	return nil
}

func runQueueJobs(cmd *cobra.Command, args []string) error {
	client := newClient()

	v := url.Values{}
	if jobsState != "" {
		v.Set("state", jobsState)
	}
	v.Set("pageSize", strconv.Itoa(jobsPageSize))

	var resp struct {
		Jobs          []jobs.JobResponse `json:"jobs"`
		NextPageToken string             `json:"nextPageToken"`
		TotalSize     int                `json:"totalSize"`
	}
	if err := client.getJSON(apiPath("/queue/jobs?%s", v.Encode()), &resp); err != nil {
		return err
	}

	if structured() {
		return printOutput(resp)
	}
	printJobs(resp.Jobs)
	fmt.Printf("\n%d of %d job(s)\n", len(resp.Jobs), resp.TotalSize)
	return nil
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	client := newClient()

	path := apiPath("/queue/process")
	if processLimit > 0 {
		path += "?limit=" + strconv.Itoa(processLimit)
	}
	var report jobs.BatchReport
	if err := client.postJSON(path, nil, &report); err != nil {
		return err
	}

	if structured() {
		return printOutput(report)
	}

	if report.Skipped {
		fmt.Println("Batch skipped")
		return nil
	}
	rows := make([][]string, len(report.Outcomes))
	for i, o := range report.Outcomes {
		rows[i] = []string{o.JobID, o.EntityID, string(o.State), strconv.Itoa(o.Attempt), truncate(o.Error, 40)}
	}
	printTable([]string{"Job", "Entity", "State", "Attempt", "Error"}, rows)
	fmt.Printf("\nclaimed %d, completed %d, retried %d, failed %d, conflicts %d\n",
		report.Claimed, report.Completed, report.Retried, report.Failed, report.Conflicts)
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	client := newClient()

	var resp map[string]string
	if err := client.postJSON(apiPath("/queue/jobs/%s:cancel", url.PathEscape(args[0])), nil, &resp); err != nil {
		return err
	}

	if structured() {
		return printOutput(resp)
	}
	fmt.Printf("Job %s canceled\n", args[0])
	return nil
}

func printJobs(list []jobs.JobResponse) {
	rows := make([][]string, len(list))
	for i, j := range list {
		state := j.State
		if j.Retrying {
			state = "retrying"
		}
		rows[i] = []string{
			j.ID,
			j.EntityID,
			state,
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.RequestedBy,
			truncate(j.LastError, 40),
		}
	}
	printTable([]string{"ID", "Entity", "State", "Attempts", "Requested By", "Last Error"}, rows)
}
