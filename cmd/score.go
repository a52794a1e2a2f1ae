package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/profile-reconciler/internal/confidence"
	"github.com/sells-group/profile-reconciler/internal/model"
)

var scoreCmd = &cobra.Command{
	Use:   "score <record-id>",
	Short: "Show the current confidence of every field of a stored profile",
	Long: `Re-derives each field's confidence from its provenance (source, age,
verifications, cross-validation) and compares it with the stored number.
Stored confidences are never trusted for decisions; this shows how far
they have drifted.`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.String("format", "table", "output format: table or json")
	rootCmd.AddCommand(scoreCmd)
}

// fieldScore is one row of a profile score report.
type fieldScore struct {
	Field     string   `json:"field"`
	Source    string   `json:"source"`
	Priority  int      `json:"priority"`
	Stored    *float64 `json:"stored_confidence,omitempty"`
	Current   float64  `json:"current_confidence"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	Expired   bool     `json:"expired"`
}

// profileScore is the score report of one profile.
type profileScore struct {
	RecordID   string       `json:"record_id"`
	Confidence float64      `json:"confidence"`
	Fields     []fieldScore `json:"fields"`
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return eris.Errorf("unsupported format %q", format)
	}
	if err := cfg.Validate("store"); err != nil {
		return err
	}

	scorer, err := loadScorer()
	if err != nil {
		return err
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	p, err := st.GetProfile(ctx, args[0])
	if err != nil {
		return eris.Wrapf(err, "score %s", args[0])
	}

	report := scoreProfile(scorer, p, cfg.Reconcile.ExpiryThreshold)
	return writeScore(os.Stdout, report, format)
}

// scoreProfile scores every field of p that carries provenance. The profile
// confidence is the weighted mean of the re-derived field confidences.
func scoreProfile(scorer *confidence.Scorer, p *model.Profile, threshold float64) profileScore {
	tables := scorer.Tables()
	now := scorer.Now()

	fields := make([]string, 0, len(p.Metadata))
	for field := range p.Metadata {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	current := make(model.EnrichmentMetadata, len(fields))
	out := profileScore{RecordID: p.ID, Fields: make([]fieldScore, 0, len(fields))}
	for _, field := range fields {
		prov := p.Metadata[field]
		fs := fieldScore{
			Field:    field,
			Source:   prov.SourceOrUnknown(),
			Priority: tables.Priority(prov.SourceOrUnknown()),
			Stored:   prov.Confidence,
			Current:  scorer.FromProvenance(field, prov),
		}
		if t, err := prov.EnrichedAt.Time(); err == nil {
			exp := scorer.ExpiresAt(field, t, threshold)
			fs.ExpiresAt = exp.UTC().Format(time.RFC3339)
			fs.Expired = !now.Before(exp)
		}
		out.Fields = append(out.Fields, fs)

		c := prov
		c.Confidence = model.Float(fs.Current)
		current[field] = c
	}
	out.Confidence = scorer.ProfileConfidence(current)
	return out
}

func writeScore(w io.Writer, r profileScore, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	rows := make([][]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		stored := "-"
		if f.Stored != nil {
			stored = strconv.FormatFloat(*f.Stored, 'f', 3, 64)
		}
		expires := f.ExpiresAt
		if f.Expired {
			expires += " (expired)"
		}
		rows = append(rows, []string{
			f.Field,
			f.Source,
			strconv.Itoa(f.Priority),
			stored,
			strconv.FormatFloat(f.Current, 'f', 3, 64),
			expires,
		})
	}

	fmt.Fprintf(w, "%s  confidence %.3f\n", r.RecordID, r.Confidence)
	fmt.Fprintln(w, renderTable(
		[]string{"Field", "Source", "Priority", "Stored", "Current", "Expires"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
	return nil
}
