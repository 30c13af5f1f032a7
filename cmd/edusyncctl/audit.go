package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	auditActor    string
	auditAction   string
	auditEntityID string
	auditJobID    string
	auditPageSize int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Browse the audit trail (reviewer only)",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditCmd.Flags().StringVar(&auditEntityID, "entity", "", "Filter by entity id")
	auditCmd.Flags().StringVar(&auditJobID, "job", "", "Filter by job id")
	auditCmd.Flags().IntVar(&auditPageSize, "page-size", 20, "Maximum number of events")
}

type auditEvent struct {
	ID         string `json:"id"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

func runAudit(cmd *cobra.Command, args []string) error {
	client := newClient()

	v := url.Values{}
	for key, val := range map[string]string{
		"actor":    auditActor,
		"action":   auditAction,
		"entityId": auditEntityID,
		"jobId":    auditJobID,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}
	v.Set("pageSize", strconv.Itoa(auditPageSize))

	var resp struct {
		Events        []auditEvent `json:"events"`
		NextPageToken string       `json:"nextPageToken"`
		TotalSize     int          `json:"totalSize"`
	}
	if err := client.getJSON(apiPath("/audit/events?%s", v.Encode()), &resp); err != nil {
		return err
	}

	if structured() {
		return printOutput(resp)
	}

	rows := make([][]string, len(resp.Events))
	for i, e := range resp.Events {
		rows[i] = []string{e.CreatedAt, e.Actor, e.Action, e.EntityID, e.Outcome, truncate(e.Reason, 40)}
	}
	printTable([]string{"Time", "Actor", "Action", "Entity", "Outcome", "Reason"}, rows)
	fmt.Printf("\n%d of %d event(s)\n", len(resp.Events), resp.TotalSize)
	return nil
}
