package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/options"
)

var cmdOptions = &cobra.Command{
	Use:   "options",
	Short: "Print list of extended options",
	Long: `
The "options" command prints a list of extended options.
`,
	Hidden:            true,
	DisableAutoGenTag: true,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("All Extended Options:\n")
		var maxLen int
		for _, opt := range options.List() {
			if l := len(opt.Namespace + "." + opt.Name); l > maxLen {
				maxLen = l
			}
		}
		for _, opt := range options.List() {
			fmt.Printf("  %*s  %s\n", -maxLen, opt.Namespace+"."+opt.Name, opt.Text)
		}
	},
}

func init() {
	cmdRoot.AddCommand(cmdOptions)
}
