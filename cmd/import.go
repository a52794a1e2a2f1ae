package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/profile-reconciler/internal/ingest"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed profiles from a JSONL, JSON, CSV or XLSX file",
	Long:  "Inserts profiles that do not exist yet. Existing profiles are left untouched; use reconcile to update them.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}

		profiles, err := ingest.ReadProfiles(ctx, importFile)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		inserted, err := st.UpsertProfiles(ctx, profiles)
		if err != nil {
			return eris.Wrap(err, "import profiles")
		}

		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.Int("read", len(profiles)),
			zap.Int64("inserted", inserted),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to the profile file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
