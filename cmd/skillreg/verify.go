package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillreg/pkg/engine"
	"github.com/jingkaihe/skillreg/pkg/presenter"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [skill...]",
	Short: "Check skills for local changes against the lock file",
	Long: `Hash each skill directory and compare it with the folder hash recorded
in the lock file. Without arguments every tracked skill is checked. The
command exits non-zero when a skill was modified.`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		verifySkillsCmd(cmd, args, asJSON)
	},
}

func init() {
	verifyCmd.Flags().Bool("json", false, "Print results as JSON")
}

func verifySkillsCmd(cmd *cobra.Command, refs []string, asJSON bool) {
	ctx := cmd.Context()
	eng, snap := scanSnapshot(ctx)
	defer eng.Close()

	if len(refs) == 0 {
		for _, sk := range snap.Skills {
			if sk.Manifest != nil {
				refs = append(refs, sk.CanonicalPath)
			}
		}
	}

	results := make([]*engine.VerifyResult, 0, len(refs))
	for _, ref := range refs {
		res, err := eng.Verify(ctx, ref)
		if err != nil {
			presenter.Error(err, "Failed to verify "+ref)
			os.Exit(1)
		}
		results = append(results, res)
	}

	if asJSON {
		if err := presenter.JSON(results); err != nil {
			presenter.Error(err, "Failed to encode results")
			os.Exit(1)
		}
	} else if len(results) == 0 {
		presenter.Info("No tracked skills to verify.")
	} else {
		presenter.Table([]string{"ID", "STATUS", "PATH"}, verifyRows(results))
	}

	for _, res := range results {
		if res.Modified {
			os.Exit(1)
		}
	}
}

func verifyRows(results []*engine.VerifyResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		status := "ok"
		switch {
		case !res.Tracked:
			status = "untracked"
		case res.Modified:
			status = "modified"
		}
		rows = append(rows, []string{res.ID, status, res.Path})
	}
	return rows
}
