package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/cidx-server/depmap/internal/ai"
	"github.com/cidx-server/depmap/internal/analyzer"
	"github.com/cidx-server/depmap/internal/config"
	"github.com/cidx-server/depmap/internal/domain"
	"github.com/cidx-server/depmap/internal/health"
	"github.com/cidx-server/depmap/internal/journal"
	"github.com/cidx-server/depmap/internal/repair"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair [dir]",
	Short: "Detect and repair anomalies in a dependency-map directory",
	Long: `Run a health check and, if anything is wrong, repair it in five phases:
  1. regenerate broken domain documents with the analyzer (up to 3 attempts each)
  2. delete orphan .md files
  3. reconcile _domains.json with the documents on disk
  4. regenerate _index.md
  5. re-check and report

Examples:
  depmap repair --dry-run
  depmap repair /srv/cidx/dependency-map --analyzer cli --yes
  depmap repair --analyzer api --json`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		backend, _ := cmd.Flags().GetString("analyzer")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		yes, _ := cmd.Flags().GetBool("yes")
		asJSON, _ := cmd.Flags().GetBool("json")
		if !cmd.Flags().Changed("analyzer") {
			backend = cfg.Analyzer.Backend
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dir := outputDir(args)
		report := health.NewDetector().Detect(dir, knownOrNil(cfg.KnownRepos))

		if dryRun {
			plan, err := planRepair(report, backend)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if asJSON {
				_ = writeJSON(os.Stdout, plan)
				return
			}
			printReport(os.Stdout, report)
			printPlan(os.Stdout, plan)
			return
		}

		domainAnalyzer, err := buildAnalyzer(cfg, backend)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if !report.IsHealthy() && !yes && !asJSON {
			printReport(os.Stdout, report)
			ok, err := confirm(fmt.Sprintf("Repair %s?", dir))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("Aborted.")
				return
			}
		}

		result, err := runRepair(ctx, dir, report, domainAnalyzer, !asJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			_ = writeJSON(os.Stdout, result)
		} else {
			printResult(os.Stdout, result)
		}
		if result.Status == repair.StatusFailed {
			os.Exit(1)
		}
	},
}

func init() {
	repairCmd.Flags().String("analyzer", config.BackendNone, "Domain analyzer backend: api, cli or none")
	repairCmd.Flags().Bool("dry-run", false, "Show what would be repaired without changing anything")
	repairCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	repairCmd.Flags().Bool("json", false, "Print the result as JSON (implies --yes)")

	rootCmd.AddCommand(repairCmd)
}

// runRepair executes the repair with the configured journal sinks attached
// and records the run in the history database when one is configured.
func runRepair(ctx context.Context, dir string, report *health.HealthReport,
	domainAnalyzer repair.DomainAnalyzer, console bool) (*repair.Result, error) {
	var sinks []journal.Func
	if console {
		sinks = append(sinks, journal.ConsoleSink(os.Stdout))
	}

	var markdown *journal.MarkdownSink
	if cfg.Journal.Markdown && !report.IsHealthy() {
		markdown = journal.NewMarkdownSink(dir)
		markdown.Begin("Repair run")
		sinks = append(sinks, markdown.Write)
	}

	var store *journal.Store
	var runID string
	if cfg.Journal.Database != "" && !report.IsHealthy() {
		s, err := journal.Open(cfg.Journal.Database)
		if err != nil {
			return nil, err
		}
		defer func() { _ = s.Close() }()
		store = s

		runID, err = store.StartRun(ctx, dir, string(report.Status), len(report.Anomalies))
		if err != nil {
			return nil, err
		}
		// History writes must outlive a canceled repair.
		sinks = append(sinks, store.LineFunc(context.WithoutCancel(ctx), runID))
	}

	executor := repair.NewExecutor(repair.Config{
		Analyzer: domainAnalyzer,
		Journal:  repair.JournalFunc(journal.Multi(sinks...)),
		Repos:    configRepos(cfg),
	})

	result, execErr := executor.Execute(ctx, dir, report)

	if store != nil {
		out := journal.Outcome{Status: "error"}
		if result != nil {
			out = journal.Outcome{
				Status:         string(result.Status),
				FinalStatus:    string(result.FinalHealthStatus),
				AnomaliesAfter: result.AnomaliesAfter,
				FixedCount:     len(result.Fixed),
				ErrorCount:     len(result.Errors),
			}
		}
		bg := context.WithoutCancel(ctx)
		if err := store.FinishRun(bg, runID, out); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record run: %v\n", err)
		}
		if _, err := store.PruneRuns(bg, cfg.Journal.RetentionDays); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to prune history: %v\n", err)
		}
	}
	if markdown != nil && markdown.Err() != nil {
		fmt.Fprintf(os.Stderr, "Warning: journal %s: %v\n", markdown.Path(), markdown.Err())
	}

	return result, execErr
}

// buildAnalyzer returns the analyzer for backend, or nil for "none".
func buildAnalyzer(c *config.Config, backend string) (repair.DomainAnalyzer, error) {
	timeout, err := c.AnalyzerTimeout()
	if err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendCLI:
		return analyzer.NewCommandAnalyzer(c.Analyzer.Command, timeout).Analyze, nil
	case config.BackendAPI:
		retry := ai.DefaultRetryConfig()
		retry.MaxConcurrentCalls = c.Analyzer.MaxConcurrentCalls
		if timeout > 0 {
			retry.Timeout = timeout
		}
		client, err := ai.NewClient(&ai.Config{
			Model:             c.Analyzer.Model,
			Retry:             retry,
			RequestsPerMinute: c.Analyzer.RequestsPerMinute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create API client: %w", err)
		}
		return analyzer.NewAPIAnalyzer(client, client.Model(), c.Analyzer.MaxTokens).Analyze, nil
	default:
		return nil, unknownBackend(backend)
	}
}

// planRepair lists the repair steps for report. Plan only needs to know
// whether an analyzer exists, so no client is built and no credentials are
// required.
func planRepair(report *health.HealthReport, backend string) ([]repair.PlannedAction, error) {
	var planned repair.DomainAnalyzer
	switch backend {
	case config.BackendNone, "":
	case config.BackendAPI, config.BackendCLI:
		planned = func(context.Context, string, domain.Entry, []domain.Entry, []domain.Repo) (bool, error) {
			return false, errors.New("dry run")
		}
	default:
		return nil, unknownBackend(backend)
	}
	return repair.NewExecutor(repair.Config{Analyzer: planned}).Plan(report), nil
}

func unknownBackend(backend string) error {
	return fmt.Errorf("unknown analyzer backend %q (want api, cli or none)", backend)
}

func configRepos(c *config.Config) []domain.Repo {
	if len(c.Repos) == 0 {
		return nil
	}
	repos := make([]domain.Repo, 0, len(c.Repos))
	for _, r := range c.Repos {
		repos = append(repos, domain.Repo{Alias: r.Alias, Description: r.Description})
	}
	return repos
}

// confirm asks a yes/no question on the terminal. Ctrl-C and EOF mean no.
func confirm(question string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          question + " [y/N] ",
		InterruptPrompt: "^C",
		EOFPrompt:       "no",
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize prompt: %w", err)
	}
	defer func() { _ = rl.Close() }()

	line, err := rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isYes(line), nil
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func printPlan(w io.Writer, plan []repair.PlannedAction) {
	cyan := color.New(color.FgCyan).SprintFunc()
	if len(plan) == 0 {
		fmt.Fprintln(w, "Nothing to repair.")
		return
	}
	fmt.Fprintf(w, "\n%s\n", cyan("Planned actions:"))
	for _, a := range plan {
		fmt.Fprintf(w, "  %s Phase %d: %s\n", cyan("▶"), a.Phase, a.Description)
	}
}

func printResult(w io.Writer, result *repair.Result) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintln(w, strings.Repeat("─", 60))
	switch result.Status {
	case repair.StatusNothingToRepair:
		fmt.Fprintf(w, "%s nothing to repair\n", green("✓"))
		return
	case repair.StatusCompleted:
		fmt.Fprintf(w, "%s repair completed\n", green("✓"))
	case repair.StatusPartial:
		fmt.Fprintf(w, "%s repair partial\n", yellow("⚠"))
	default:
		fmt.Fprintf(w, "%s repair failed\n", red("✗"))
	}

	for _, f := range result.Fixed {
		fmt.Fprintf(w, "  %s %s\n", green("✓"), f)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s %s\n", red("✗"), e)
	}
	fmt.Fprintf(w, "Anomalies: %d → %d (%s)\n", result.AnomaliesBefore, result.AnomaliesAfter, result.FinalHealthStatus)
}
