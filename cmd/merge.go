package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <keep-id> <drop-id>",
	Short: "Merge a duplicate profile into another",
	Long: `Folds the profile <drop-id> into <keep-id> field by field, keeping the
higher-priority or higher-confidence value of each field, then deletes
<drop-id>. The merged profile is printed as JSON.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		res, err := env.Engine.Merge(ctx, args[0], args[1], dryRun)
		if err != nil {
			return eris.Wrap(err, "merge")
		}

		zap.L().Info("merge complete",
			zap.String("keep", args[0]),
			zap.String("drop", args[1]),
			zap.Strings("from_drop", res.FromDrop),
			zap.Bool("dry_run", dryRun),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	mergeCmd.Flags().Bool("dry-run", false, "compute the merged profile without writing")
	rootCmd.AddCommand(mergeCmd)
}
