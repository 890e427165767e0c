package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/cidx-server/depmap/internal/health"
	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Dependency-map health commands",
}

var healthCheckCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "Check a dependency-map directory for anomalies",
	Long: `Run every structural check against a dependency-map directory and print
the anomalies found. The directory is never modified.

Exit status: 0 healthy, 1 needs repair, 2 critical.

Examples:
  depmap health check /srv/cidx/dependency-map
  depmap health check --known-repos api,web,ledger
  depmap health check --json`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		known, _ := cmd.Flags().GetStringSlice("known-repos")
		if !cmd.Flags().Changed("known-repos") && len(cfg.KnownRepos) > 0 {
			known = cfg.KnownRepos
		}

		dir := outputDir(args)
		report := health.NewDetector().Detect(dir, knownOrNil(known))

		if asJSON {
			if err := writeJSON(os.Stdout, report); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(2)
			}
		} else {
			printReport(os.Stdout, report)
		}
		os.Exit(exitCode(report.Status))
	},
}

var healthWatchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Re-run the health check whenever the directory changes",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		debounce, _ := cmd.Flags().GetDuration("debounce")
		if !cmd.Flags().Changed("debounce") {
			if d, err := cfg.WatchDebounce(); err == nil {
				debounce = d
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dir := outputDir(args)
		detector := health.NewDetector()
		known := knownOrNil(cfg.KnownRepos)

		check := func() {
			fmt.Printf("\n%s %s\n", color.New(color.FgCyan).Sprint("▶"), time.Now().Format("15:04:05"))
			printReport(os.Stdout, detector.Detect(dir, known))
		}
		check()

		if err := watchDir(ctx, dir, debounce, check); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	healthCheckCmd.Flags().StringSlice("known-repos", nil, "Repos every domain map should cover (enables the coverage check)")
	healthCheckCmd.Flags().Bool("json", false, "Print the report as JSON")
	healthWatchCmd.Flags().Duration("debounce", 500*time.Millisecond, "Quiet period before re-checking")

	healthCmd.AddCommand(healthCheckCmd)
	healthCmd.AddCommand(healthWatchCmd)
	rootCmd.AddCommand(healthCmd)
}

func knownOrNil(known []string) []string {
	if len(known) == 0 {
		return nil
	}
	return known
}

func exitCode(status health.Status) int {
	switch status {
	case health.StatusHealthy:
		return 0
	case health.StatusNeedsRepair:
		return 1
	default:
		return 2
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport renders a report for humans.
func printReport(w io.Writer, report *health.HealthReport) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", cyan("Dependency map:"), report.OutputDir)

	switch report.Status {
	case health.StatusHealthy:
		fmt.Fprintf(w, "%s healthy\n", green("✓"))
		return
	case health.StatusCritical:
		fmt.Fprintf(w, "%s critical\n", red("✗"))
		if len(report.Anomalies) == 0 {
			fmt.Fprintf(w, "  directory or %s is missing or unreadable\n", domain.ManifestFile)
			return
		}
	default:
		fmt.Fprintf(w, "%s needs repair\n", yellow("⚠"))
	}

	for _, a := range report.Anomalies {
		glyph := yellow("⚠")
		if a.Type.IsCritical() {
			glyph = red("✗")
		}
		fmt.Fprintf(w, "  %s %-22s %s\n", glyph, a.Type, a.Detail)
	}

	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintf(w, "%d anomalies, %d repairable: %s\n",
		len(report.Anomalies), report.RepairableCount, summarizeTypes(report.CountByType()))
}

// summarizeTypes renders per-type counts in a stable order, e.g.
// "missing_domain_file=1, stale_index=2".
func summarizeTypes(counts map[health.AnomalyType]int) string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[health.AnomalyType(t)]))
	}
	return strings.Join(parts, ", ")
}

// watchDir calls onChange after each burst of filesystem events in dir has
// been quiet for debounce. It returns when ctx is done.
func watchDir(ctx context.Context, dir string, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignoreEvent(event) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-timer.C:
			onChange()
		}
	}
}

// ignoreEvent drops atomic-write temp files and chmod-only events.
func ignoreEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	base := filepath.Base(event.Name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".tmp")
}
