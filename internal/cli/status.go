package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/clawinfra/mealsync/internal/api"
	"github.com/clawinfra/mealsync/internal/types"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and pending action count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, renderStatus(st))
			return nil
		},
	}
}

func renderStatus(st api.StatusResponse) string {
	conn := offlineStyle.Render("● offline")
	if st.Online {
		conn = onlineStyle.Render("● online")
	}
	pending := mutedStyle.Render("nothing pending")
	if st.Pending > 0 {
		noun := "actions"
		if st.Pending == 1 {
			noun = "action"
		}
		pending = pendingStyle.Render(fmt.Sprintf("%d %s waiting to sync", st.Pending, noun))
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("mealsync"),
		row("network", conn),
		row("queue", pending),
	)
	return boxStyle.Render(body)
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List pending actions in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.client().Queue(cmd.Context())
			if err != nil {
				return err
			}
			if len(q.Actions) == 0 {
				fmt.Fprintln(opts.out, "No pending actions")
				return nil
			}
			printActions(opts, q.Actions)
			return nil
		},
	}
}

func printActions(opts *rootOptions, actions []types.QueuedAction) {
	w := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tQUEUED\tPAYLOAD")
	fmt.Fprintln(w, "--\t----\t------\t-------")
	for _, a := range actions {
		queued := time.UnixMilli(a.Timestamp).Format(time.DateTime)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Type, queued, truncate(string(a.Payload), 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
