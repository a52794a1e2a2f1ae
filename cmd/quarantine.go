package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/retry"
	"github.com/sells-group/profile-reconciler/internal/verify"
)

const dayLayout = "2006-01-02"

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and retry quarantined records",
}

// -- quarantine list --

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending quarantined records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		q, err := verify.NewQuarantineLog(cfg.Quarantine.Dir)
		if err != nil {
			return err
		}

		days, err := selectDays(cmd, q)
		if err != nil {
			return err
		}

		var pending []verify.QuarantineRecord
		for _, day := range days {
			recs, err := q.Pending(day)
			if err != nil {
				return eris.Wrap(err, "quarantine list")
			}
			pending = append(pending, recs...)
		}

		if len(pending) == 0 {
			fmt.Fprintln(os.Stderr, "No pending records.")
			return nil
		}

		formatQuarantineList(os.Stdout, pending)
		return nil
	},
}

// -- quarantine retry --

var quarantineRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry pending quarantined records through the producer",
	Long: `Classifies each failed field, asks the producer for a new value with the
selected strategy, and feeds it back through verification and the write
gate. A record is resolved when all its fields pass and is otherwise
marked still_quarantined; either way it is not retried again.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "retry")
		if err != nil {
			return err
		}
		defer env.Close()

		runner, err := initRunner(env)
		if err != nil {
			return err
		}

		days, err := selectDays(cmd, env.Quarantine)
		if err != nil {
			return err
		}

		total := &retry.Summary{}
		for _, day := range days {
			sum, err := runner.RetryDay(ctx, day)
			if sum != nil {
				total.Records += sum.Records
				total.Resolved += sum.Resolved
				total.StillQuarantined += sum.StillQuarantined
				total.Results = append(total.Results, sum.Results...)
			}
			if err != nil {
				return eris.Wrapf(err, "quarantine retry %s", day.Format(dayLayout))
			}
		}

		zap.L().Info("quarantine retry complete",
			zap.Int("days", len(days)),
			zap.Int("records", total.Records),
			zap.Int("resolved", total.Resolved),
			zap.Int("still_quarantined", total.StillQuarantined),
		)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(total)
		}
		formatRetrySummary(os.Stdout, total)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{quarantineListCmd, quarantineRetryCmd} {
		c.Flags().String("day", "", "quarantine day (YYYY-MM-DD, default today UTC)")
		c.Flags().Bool("all", false, "every day present in the log")
	}
	quarantineRetryCmd.Flags().String("format", "table", "output format: table or json")

	quarantineCmd.AddCommand(quarantineListCmd, quarantineRetryCmd)
	rootCmd.AddCommand(quarantineCmd)
}

// selectDays resolves the --day and --all flags.
func selectDays(cmd *cobra.Command, q *verify.QuarantineLog) ([]time.Time, error) {
	if all, _ := cmd.Flags().GetBool("all"); all {
		days, err := q.Days()
		if err != nil {
			return nil, eris.Wrap(err, "list quarantine days")
		}
		return days, nil
	}
	day, _ := cmd.Flags().GetString("day")
	return parseDay(day, q.Now())
}

func parseDay(s string, now time.Time) ([]time.Time, error) {
	if s == "" {
		return []time.Time{now.UTC()}, nil
	}
	d, err := time.Parse(dayLayout, s)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid --day %q", s)
	}
	return []time.Time{d}, nil
}

func formatQuarantineList(w io.Writer, recs []verify.QuarantineRecord) {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		issue := ""
		if len(r.Issues) > 0 {
			issue = r.Issues[0]
			if len(r.Issues) > 1 {
				issue += fmt.Sprintf(" (+%d)", len(r.Issues)-1)
			}
		}
		rows = append(rows, []string{
			r.RecordID,
			string(r.QuarantinedAt),
			strings.Join(r.FailedFields, ","),
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			issue,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Record", "Quarantined", "Failed Fields", "Confidence", "Issue"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

func formatRetrySummary(w io.Writer, s *retry.Summary) {
	rows := make([][]string, 0, len(s.Results))
	for _, r := range s.Results {
		for _, f := range r.Fields {
			rows = append(rows, []string{
				r.RecordID,
				f.Field,
				string(f.FailureType),
				f.Method,
				strconv.Itoa(f.Attempts),
				strconv.FormatBool(f.Success),
			})
		}
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Record", "Field", "Failure", "Method", "Attempts", "Success"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(w, "records %d  resolved %d  still quarantined %d\n", s.Records, s.Resolved, s.StillQuarantined)
}
