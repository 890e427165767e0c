package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cidx-server/depmap/internal/journal"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded repair runs",
	Long: `List recent repair runs from the history database, or print the journal
of one run. Requires journal.database in the config.

Examples:
  depmap history
  depmap history --limit 5
  depmap history 3f0c2a9e-...
  depmap history --prune`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		prune, _ := cmd.Flags().GetBool("prune")

		if cfg.Journal.Database == "" {
			fmt.Fprintf(os.Stderr, "Error: journal.database is not configured\n")
			os.Exit(1)
		}
		store, err := journal.Open(cfg.Journal.Database)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()

		if prune {
			n, err := store.PruneRuns(ctx, cfg.Journal.RetentionDays)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Pruned %d run(s) older than %d days\n", n, cfg.Journal.RetentionDays)
			return
		}

		if len(args) == 1 {
			lines, err := store.GetJournal(ctx, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, l := range lines {
				fmt.Printf("%s  %s\n", l.CreatedAt.Local().Format("15:04:05"), l.Message)
			}
			return
		}

		runs, err := store.ListRuns(ctx, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printRuns(os.Stdout, runs)
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum runs to list")
	historyCmd.Flags().Bool("prune", false, "Delete runs older than journal.retention_days")

	rootCmd.AddCommand(historyCmd)
}

func printRuns(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No repair runs recorded.")
		return
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "%-36s  %-19s  %-17s  %s\n", "RUN", "STARTED", "STATUS", "ANOMALIES")
	fmt.Fprintln(w, strings.Repeat("─", 90))
	for _, r := range runs {
		label := r.Status
		if label == "" {
			label = "in progress"
		}
		// Pad before coloring so escape codes do not count toward the width.
		status := fmt.Sprintf("%-17s", label)
		switch r.Status {
		case "completed", "nothing_to_repair":
			status = green(status)
		case "partial", "":
			status = yellow(status)
		default:
			status = red(status)
		}
		fmt.Fprintf(w, "%-36s  %-19s  %s  %d → %d\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), status, r.AnomaliesBefore, r.AnomaliesAfter)
	}
}
