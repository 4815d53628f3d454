package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillreg/pkg/presenter"
	"github.com/jingkaihe/skillreg/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information of skillreg in JSON format.`,
	Run: func(_ *cobra.Command, _ []string) {
		info := version.Get()
		out, err := info.JSON()
		if err != nil {
			presenter.Error(err, "Failed to format version information")
			return
		}
		fmt.Println(out)
	},
}
