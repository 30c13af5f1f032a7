package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/submissions"
)

var (
	reviewStatus string
	reviewLimit  int
	reviewNote   string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pending submissions and stuck jobs (reviewer only)",
}

var reviewItemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List pending submissions and conflicted or failed jobs",
	RunE:  runReviewItems,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <submission-id>",
	Short: "Approve a pending submission and queue it",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDecision("approve"),
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <submission-id>",
	Short: "Reject a pending submission",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDecision("reject"),
}

var reviewRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Requeue a conflicted or failed job against the current values",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewRequeue,
}

var reviewTrustCmd = &cobra.Command{
	Use:   "trust <submitter-id> <level>",
	Short: "Override a submitter's trust level",
	Args:  cobra.ExactArgs(2),
	RunE:  runReviewTrust,
}

func init() {
	reviewItemsCmd.Flags().StringVar(&reviewStatus, "status", "", "Submission status to list (default pending)")
	reviewItemsCmd.Flags().IntVar(&reviewLimit, "limit", 50, "Maximum number of items per list")
	reviewApproveCmd.Flags().StringVar(&reviewNote, "note", "", "Review note")
	reviewRejectCmd.Flags().StringVar(&reviewNote, "note", "", "Review note")
	reviewTrustCmd.Flags().StringVar(&reviewNote, "note", "", "Reason for the override")

	reviewCmd.AddCommand(reviewItemsCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	reviewCmd.AddCommand(reviewRequeueCmd)
	reviewCmd.AddCommand(reviewTrustCmd)
}

type reviewItems struct {
	Pending   []submissions.SubmissionResponse `json:"pending"`
	Conflicts []jobs.JobResponse               `json:"conflicts"`
	Failed    []jobs.JobResponse               `json:"failed"`
}

func runReviewItems(cmd *cobra.Command, args []string) error {
	client := newClient()

	v := url.Values{}
	if reviewStatus != "" {
		v.Set("status", reviewStatus)
	}
	v.Set("limit", strconv.Itoa(reviewLimit))

	var items reviewItems
	if err := client.getJSON(apiPath("/review/items?%s", v.Encode()), &items); err != nil {
		return err
	}

	if structured() {
		return printOutput(items)
	}

	rows := make([][]string, len(items.Pending))
	for i, s := range items.Pending {
		rows[i] = []string{
			s.ID,
			s.EntityType + "/" + s.EntityID,
			s.SubmitterID,
			strconv.Itoa(len(s.FieldDiffs)),
			strconv.FormatBool(s.HasEvidence),
			s.CreatedAt,
		}
	}
	printTable([]string{"Submission", "Entity", "Submitter", "Fields", "Evidence", "Created"}, rows)

	if len(items.Conflicts)+len(items.Failed) > 0 {
		fmt.Println()
		printJobs(append(items.Conflicts, items.Failed...))
	}
	return nil
}

func runReviewDecision(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client := newClient()

		body := map[string]string{"note": reviewNote}
		var resp struct {
			Submission submissions.SubmissionResponse `json:"submission"`
			Job        *jobs.JobResponse              `json:"job,omitempty"`
		}
		if err := client.postJSON(apiPath("/review/submissions/%s:%s", url.PathEscape(args[0]), verb), body, &resp); err != nil {
			return err
		}

		if structured() {
			return printOutput(resp)
		}

		fmt.Printf("Submission %s is now %s\n", resp.Submission.ID, resp.Submission.Status)
		if resp.Job != nil {
			fmt.Printf("Queued as job %s\n", resp.Job.ID)
		}
		return nil
	}
}

func runReviewRequeue(cmd *cobra.Command, args []string) error {
	client := newClient()

	var job jobs.JobResponse
	if err := client.postJSON(apiPath("/review/jobs/%s:requeue", url.PathEscape(args[0])), nil, &job); err != nil {
		return err
	}

	if structured() {
		return printOutput(job)
	}
	fmt.Printf("Job %s requeued (state %s)\n", job.ID, job.State)
	return nil
}

func runReviewTrust(cmd *cobra.Command, args []string) error {
	level, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid level %q: %w", args[1], err)
	}
	client := newClient()

	body := map[string]any{"level": level, "note": reviewNote}
	var resp struct {
		SubmitterID string `json:"submitterId"`
		TrustLevel  int    `json:"trustLevel"`
	}
	if err := client.postJSON(apiPath("/review/trust/%s", url.PathEscape(args[0])), body, &resp); err != nil {
		return err
	}

	if structured() {
		return printOutput(resp)
	}
	fmt.Printf("Submitter %s now has trust level %d\n", resp.SubmitterID, resp.TrustLevel)
	return nil
}
