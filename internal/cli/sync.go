package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawinfra/mealsync/internal/scheduler"
	"github.com/clawinfra/mealsync/internal/security"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending actions to the authority now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Sync(cmd.Context())
			if err != nil {
				return err
			}
			switch {
			case !s.Success:
				fmt.Fprintln(opts.out, offlineStyle.Render("✗")+" sync failed, actions kept for the next attempt")
			case s.Synced == 0 && s.Errors == 0:
				fmt.Fprintln(opts.out, mutedStyle.Render("nothing to sync"))
			default:
				fmt.Fprintln(opts.out, check("%d synced, %d still pending", s.Synced, s.Errors))
			}
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(opts.out, "No syncs recorded")
				return nil
			}
			w := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTRIGGER\tRESULT\tSYNCED\tERRORS\tPENDING")
			for _, e := range entries {
				result := "ok"
				if !e.Success {
					result = "failed"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					e.Timestamp.Local().Format(time.DateTime), e.Trigger, result, e.Synced, e.Errors, e.Pending)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending action without syncing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("clear discards unsynced changes; pass --yes to confirm")
			}
			n, err := opts.client().Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, check("dropped %d pending actions", n))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := opts.client().Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(opts.out, "No jobs configured")
				return nil
			}
			w := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCHEDULE\tACTION\tRUNS\tERRORS\tNEXT")
			for _, j := range jobs {
				sched := j.Schedule.Expr
				if j.Schedule.Kind != scheduler.KindCron {
					sched = "every " + (time.Duration(j.Schedule.IntervalMs) * time.Millisecond).String()
				}
				next := "-"
				if !j.State.NextRunAt.IsZero() {
					next = j.State.NextRunAt.Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", j.ID, sched, j.Action.Kind, j.State.RunCount, j.State.ErrorCount, next)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <job-id>",
		Short: "Trigger a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().RunJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(opts.out, check("job %s ran", args[0]))
			return nil
		},
	})
	return cmd
}

func newNetworkCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "network online|offline",
		Short:     "Report connectivity to a daemon in manual mode",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			online := args[0] == "online"
			changed, err := opts.client().SetOnline(cmd.Context(), online)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintln(opts.out, mutedStyle.Render("already "+args[0]))
				return nil
			}
			fmt.Fprintln(opts.out, check("daemon is now %s", args[0]))
			return nil
		},
	}
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		userID    string
		expiry    time.Duration
		secretEnv string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an authority bearer token for sync.authToken",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := security.SecretFromEnv(secretEnv)
			if secret == nil {
				return fmt.Errorf("no signing secret: set %s", envName(secretEnv))
			}
			token, err := security.GenerateToken(userID, secret, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token authenticates")
	cmd.Flags().DurationVar(&expiry, "expiry", 30*24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secretEnv, "secret-env", security.DefaultSecretEnv, "environment variable holding the HMAC secret")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func envName(name string) string {
	if name == "" {
		return security.DefaultSecretEnv
	}
	return name
}
