package main

import (
	"fmt"
	"os"

	"github.com/cidx-server/depmap/internal/index"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex [dir]",
	Short: "Regenerate _index.md from _domains.json and the domain documents",
	Long: `Rebuild _index.md from scratch. Domains listed in _domains.json whose
document is missing are left out.

Examples:
  depmap reindex
  depmap reindex /srv/cidx/dependency-map`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := outputDir(args)
		path, err := index.NewRegenerator().Regenerate(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		header, err := index.ReadHeader(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s wrote %s: %d domain(s), %d repo(s)\n",
			green("✓"), path, header.DomainsCount, header.ReposAnalyzedCount)
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
