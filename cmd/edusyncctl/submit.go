package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edudirectory/edusync/pkg/approval"
	"github.com/edudirectory/edusync/pkg/submissions"
)

var (
	submitType     string
	submitSets     []string
	submitBaseline []string
	submitEvidence string
	submitNote     string
)

var submitCmd = &cobra.Command{
	Use:   "submit <entity-id>",
	Short: "Submit a correction for an entity",
	Example: `  edusyncctl submit uni-lums --type university --set cutoff=88 --evidence https://lums.edu.pk/merit
  edusyncctl submit uni-lums --set cutoff=88 --baseline cutoff=87`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitType, "type", "", "Entity type (inferred by the server when empty)")
	submitCmd.Flags().StringArrayVar(&submitSets, "set", nil, "Proposed value as field=value (repeatable)")
	submitCmd.Flags().StringArrayVar(&submitBaseline, "baseline", nil, "Value the correction was based on as field=value")
	submitCmd.Flags().StringVar(&submitEvidence, "evidence", "", "Evidence URL or reference")
	submitCmd.Flags().StringVar(&submitNote, "note", "", "Note for reviewers")
}

// parseValue turns a flag value into a number, bool, null or string.
func parseValue(s string) any {
	if s == "null" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseAssignments(pairs []string) (map[string]any, []string, error) {
	values := make(map[string]any, len(pairs))
	order := make([]string, 0, len(pairs))
	for _, p := range pairs {
		field, raw, ok := strings.Cut(p, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, nil, fmt.Errorf("invalid assignment %q, expected field=value", p)
		}
		if _, dup := values[field]; !dup {
			order = append(order, field)
		}
		values[field] = parseValue(raw)
	}
	return values, order, nil
}

// buildSubmission assembles the request body from the command flags.
func buildSubmission(entityID, entityType string, sets, baselines []string, evidence, note string) (submissions.Request, error) {
	req := submissions.Request{
		EntityType: entityType,
		EntityID:   entityID,
		Evidence:   evidence,
		Note:       note,
	}
	proposed, order, err := parseAssignments(sets)
	if err != nil {
		return req, err
	}
	if len(order) == 0 {
		return req, fmt.Errorf("at least one --set field=value is required")
	}
	base, _, err := parseAssignments(baselines)
	if err != nil {
		return req, err
	}
	for field := range base {
		if _, ok := proposed[field]; !ok {
			return req, fmt.Errorf("baseline given for %q without a proposed value", field)
		}
	}
	for _, field := range order {
		req.Changes = append(req.Changes, submissions.Change{
			Field:    field,
			Proposed: proposed[field],
			Baseline: base[field],
		})
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	client := newClient()

	req, err := buildSubmission(args[0], submitType, submitSets, submitBaseline, submitEvidence, submitNote)
	if err != nil {
		return err
	}

	var resp struct {
		Submission submissions.SubmissionResponse `json:"submission"`
		Decision   approval.Decision              `json:"decision"`
		JobID      string                         `json:"jobId"`
	}
	if err := client.postJSON(apiPath("/submissions"), req, &resp); err != nil {
		return err
	}

	if structured() {
		return printOutput(resp)
	}

	rows := [][]string{
		{"Submission", resp.Submission.ID},
		{"Entity", resp.Submission.EntityType + "/" + resp.Submission.EntityID},
		{"Status", resp.Submission.Status},
		{"Reason", truncate(resp.Decision.Reason, 70)},
	}
	if resp.Decision.RuleID != "" {
		rows = append(rows, []string{"Rule", resp.Decision.RuleID})
	}
	if resp.JobID != "" {
		rows = append(rows, []string{"Job", resp.JobID})
	}
	printTable([]string{"Property", "Value"}, rows)
	return nil
}
