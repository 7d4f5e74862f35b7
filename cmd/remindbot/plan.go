package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/reminder"
	"remindbot/internal/reminder/memport"
)

// subjectsFile is the input of the plan command.
type subjectsFile struct {
	Tasks         []reminder.Task         `json:"tasks"`
	Subscriptions []reminder.Subscription `json:"subscriptions"`
}

func planCmd() *cobra.Command {
	var (
		nowFlag  string
		tz       string
		dueDayAt string
	)
	cmd := &cobra.Command{
		Use:   "plan <subjects.json|subjects.yaml>",
		Short: "Print the reminders a set of tasks and subscriptions would schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var in subjectsFile
			if err := config.DecodeStrict(args[0], data, &in); err != nil {
				return err
			}

			rc := config.RemindersConfig{Timezone: tz, DueDayTime: dueDayAt}
			loc, err := rc.Location()
			if err != nil {
				return err
			}
			h, m, err := rc.DueDayClock()
			if err != nil {
				return err
			}
			clk := clock.New(loc)
			if nowFlag != "" {
				t, err := time.Parse(time.RFC3339, nowFlag)
				if err != nil {
					return fmt.Errorf("--now: %w", err)
				}
				clk = clock.Fixed(t.In(loc))
			}

			policy := reminder.NewPolicy(clk)
			policy.DueDayHour, policy.DueDayMinute = h, m
			port := memport.New()
			eng := reminder.NewEngine(port, policy)

			subjects := make([]reminder.Subject, 0, len(in.Tasks)+len(in.Subscriptions))
			for _, t := range in.Tasks {
				subjects = append(subjects, t)
			}
			for _, s := range in.Subscriptions {
				subjects = append(subjects, s)
			}
			rep, err := eng.ReconcileAll(context.Background(), subjects)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), port.Pending(), clk.Now(), rep)
		},
	}
	cmd.Flags().StringVar(&nowFlag, "now", "", "evaluate at this RFC3339 instant instead of the current time")
	cmd.Flags().StringVar(&tz, "timezone", "", "IANA timezone for calendar math (default: local)")
	cmd.Flags().StringVar(&dueDayAt, "due-day-time", config.DefaultDueDayTime, "HH:MM of the due-day reminder")
	return cmd
}

func printPlan(w io.Writer, rs []reminder.ScheduledReminder, now time.Time, rep reminder.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tFIRES AT\tIN\tTITLE")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.Identifier,
			r.FireAt.Format("2006-01-02 15:04 MST"),
			humanize.RelTime(r.FireAt, now, "ago", "from now"),
			r.Title,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d subjects, %d reminders scheduled\n", rep.Subjects, rep.Scheduled)
	return err
}
