package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/profile-reconciler/internal/ingest"
	"github.com/sells-group/profile-reconciler/internal/reconcile"
	"github.com/sells-group/profile-reconciler/internal/writegate"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Verify a candidate batch and write the accepted fields",
	Long: `Reads a candidate batch, verifies every record, asks the write gate about
every field, and writes accepted values with provenance in one batch.
Records that fail verification are appended to the quarantine log.

Input formats: .jsonl/.ndjson and .json carry candidate objects; .csv and
.xlsx carry one record per row with a record_id column and optional
source and observed_at columns.

Examples:
  reconcile --input batch.jsonl
  reconcile --input client.xlsx --refresh --stale-days 30 --format json`,
	RunE: runReconcile,
}

func init() {
	f := reconcileCmd.Flags()
	f.String("input", "", "path to the candidate batch (required)")
	f.Bool("refresh", false, "let equal-priority sources replace stale values (overrides config)")
	f.Int("stale-days", 0, "age in days after which a value is stale (overrides config)")
	f.Bool("create-missing", false, "create empty profiles for unknown record ids (overrides config)")
	f.String("format", "table", "output format: table or json")
	_ = reconcileCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	input, _ := cmd.Flags().GetString("input")
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return eris.Errorf("unsupported format %q", format)
	}

	cands, err := ingest.ReadCandidates(ctx, input)
	if err != nil {
		return err
	}

	env, err := initEngine(ctx, "reconcile")
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := env.Engine.Reconcile(ctx, cands, reconcileOptions(cmd))
	if err != nil {
		return eris.Wrap(err, "reconcile")
	}

	return writeReport(os.Stdout, report, format)
}

// reconcileOptions starts from config and applies the flags the user set.
func reconcileOptions(cmd *cobra.Command) reconcile.Options {
	opts := reconcile.Options{
		RefreshMode:   cfg.Reconcile.RefreshMode,
		StaleDays:     cfg.Reconcile.StaleDays,
		CreateMissing: cfg.Reconcile.CreateMissing,
	}
	f := cmd.Flags()
	if f.Changed("refresh") {
		opts.RefreshMode, _ = f.GetBool("refresh")
	}
	if f.Changed("stale-days") {
		opts.StaleDays, _ = f.GetInt("stale-days")
	}
	if f.Changed("create-missing") {
		opts.CreateMissing, _ = f.GetBool("create-missing")
	}
	return opts
}

func writeReport(w io.Writer, r *reconcile.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	rows := [][]string{
		{"candidates", strconv.Itoa(r.Candidates)},
		{"verified", strconv.Itoa(r.Verified)},
		{"unverified", strconv.Itoa(r.Unverified)},
		{"quarantined", strconv.Itoa(r.Quarantined)},
		{"fields accepted", strconv.Itoa(r.FieldsAccepted)},
		{"fields rejected", strconv.Itoa(r.FieldsRejected)},
	}
	if r.Write != nil {
		rows = append(rows,
			[]string{"records updated", strconv.Itoa(r.Write.Updated)},
			[]string{"records unchanged", strconv.Itoa(r.Write.Unchanged)},
			[]string{"records failed", strconv.Itoa(r.Write.Failed)},
			[]string{"fields written", strconv.Itoa(r.Write.FieldsWritten)},
		)
	}
	fmt.Fprintln(w, renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(r.Rejections) > 0 {
		reasons := make([]writegate.Reason, 0, len(r.Rejections))
		for reason := range r.Rejections {
			reasons = append(reasons, reason)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
		rejRows := make([][]string, 0, len(reasons))
		for _, reason := range reasons {
			rejRows = append(rejRows, []string{string(reason), strconv.Itoa(r.Rejections[reason])})
		}
		fmt.Fprintln(w, renderTable([]string{"Rejection", "Fields"}, rejRows, []columnAlignment{alignLeft, alignRight}))
	}

	if len(r.QuarantinedIDs) > 0 {
		fmt.Fprintf(w, "quarantined: %s\n", strings.Join(r.QuarantinedIDs, ", "))
	}
	if r.Write != nil && len(r.Write.FailedIDs) > 0 {
		fmt.Fprintf(w, "write failures: %s\n", strings.Join(r.Write.FailedIDs, ", "))
	}
	return nil
}
