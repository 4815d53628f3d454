package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillreg/pkg/presenter"
	"github.com/jingkaihe/skillreg/pkg/registry"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List known agents and how many skills each one sees",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		listAgentsCmd(cmd, asJSON)
	},
}

func init() {
	agentsCmd.Flags().Bool("json", false, "Print agents as JSON")
}

func listAgentsCmd(cmd *cobra.Command, asJSON bool) {
	eng, snap := scanSnapshot(cmd.Context())
	defer eng.Close()

	if asJSON {
		if err := presenter.JSON(snap.Agents); err != nil {
			presenter.Error(err, "Failed to encode agents")
			os.Exit(1)
		}
		return
	}

	presenter.Table([]string{"ID", "NAME", "DETECTED", "DIRECT", "INHERITED", "SKILLS DIR"}, agentRows(snap.Agents))
}

func agentRows(agents []registry.AgentStatus) [][]string {
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		detected := "no"
		if a.Detected {
			detected = "yes"
		}
		rows = append(rows, []string{
			a.ID,
			a.DisplayName,
			detected,
			strconv.Itoa(a.Direct),
			strconv.Itoa(a.Inherited),
			a.SkillsDir,
		})
	}
	return rows
}
