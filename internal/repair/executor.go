// Package repair restores a dependency-map directory to a healthy state from
// a health report. Repairs run in five fixed phases: domain content, orphan
// cleanup, manifest reconciliation, index regeneration and post-validation.
package repair

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/cidx-server/depmap/internal/health"
	"github.com/cidx-server/depmap/internal/index"
)

// Checker is the part of health.Detector the executor uses.
type Checker interface {
	Detect(outputDir string, knownRepos []string) *health.HealthReport
	CheckDomain(outputDir string, entry domain.Entry) []health.Anomaly
}

// Indexer is the part of index.Regenerator the executor uses.
type Indexer interface {
	Regenerate(outputDir string) (string, error)
}

// Config holds the executor's collaborators. Detector and Regenerator default
// to the standard implementations. Analyzer and Journal are optional.
type Config struct {
	Detector    Checker
	Regenerator Indexer
	Analyzer    DomainAnalyzer
	Journal     JournalFunc

	// Repos is passed to the analyzer. When empty, the union of the
	// manifest's participating repos is used.
	Repos []domain.Repo
}

// Executor runs repairs. It holds no per-directory state.
type Executor struct {
	detector    Checker
	regenerator Indexer
	analyzer    DomainAnalyzer
	journal     JournalFunc
	repos       []domain.Repo
}

// NewExecutor creates an executor from cfg.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		detector:    cfg.Detector,
		regenerator: cfg.Regenerator,
		analyzer:    cfg.Analyzer,
		journal:     cfg.Journal,
		repos:       cfg.Repos,
	}
	if e.detector == nil {
		e.detector = health.NewDetector()
	}
	if e.regenerator == nil {
		e.regenerator = index.NewRegenerator()
	}
	return e
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.journal != nil {
		e.journal(fmt.Sprintf(format, args...))
	}
}

// Execute repairs outputDir according to report. Per-domain analyzer failures
// are recorded in Result.Errors; filesystem failures while deleting orphans,
// rewriting the manifest or regenerating the index are returned as errors.
func (e *Executor) Execute(ctx context.Context, outputDir string, report *health.HealthReport) (*Result, error) {
	result := newResult(report)

	if report.IsHealthy() {
		result.Status = StatusNothingToRepair
		result.FinalHealthStatus = health.StatusHealthy
		return result, nil
	}

	e.logf("Repair started for %s: %d anomalies (status %s)", outputDir, len(report.Anomalies), report.Status)

	// Phase 1
	contentChanged, err := e.repairDomains(ctx, outputDir, report, result)
	if err != nil {
		return nil, err
	}

	// Phase 2
	orphansRemoved, err := e.removeOrphans(outputDir, report, result)
	if err != nil {
		return nil, err
	}

	// Phase 3
	manifestChanged := false
	if needsReconcile(report) {
		manifestChanged, err = e.reconcileManifest(outputDir, result)
		if err != nil {
			return nil, err
		}
	} else {
		e.logf("Phase 3: manifest reconciliation not needed")
	}

	// Phase 4
	if contentChanged || orphansRemoved || manifestChanged ||
		report.Has(health.AnomalyMissingIndex) || report.Has(health.AnomalyStaleIndex) {
		e.logf("Phase 4: regenerating %s", domain.IndexFile)
		if _, err := e.regenerator.Regenerate(outputDir); err != nil {
			return nil, fmt.Errorf("regenerating index: %w", err)
		}
		result.Fixed = append(result.Fixed, "regenerated "+domain.IndexFile)
	} else {
		e.logf("Phase 4: index regeneration not needed")
	}

	// Phase 5
	e.validate(outputDir, report, result)
	return result, nil
}

// repairTargets returns the sorted, de-duplicated names of domains whose
// content must be regenerated, and separately the flagged names that cannot
// be mapped to a file inside the output directory.
func repairTargets(report *health.HealthReport) (targets, invalid []string) {
	seen := make(map[string]bool)
	bad := make(map[string]bool)
	for _, a := range report.Anomalies {
		if !a.Type.IsDomainContent() {
			continue
		}
		if domain.IsValidName(a.Domain) {
			seen[a.Domain] = true
		} else {
			bad[a.Domain] = true
		}
	}
	return domain.SortedKeys(seen), domain.SortedKeys(bad)
}

func (e *Executor) repairDomains(ctx context.Context, outputDir string, report *health.HealthReport, result *Result) (bool, error) {
	targets, invalid := repairTargets(report)
	for _, name := range invalid {
		result.Errors = append(result.Errors, fmt.Sprintf("domain %q: invalid name, not repaired", name))
		e.logf("  ✗ %q: invalid domain name, skipped", name)
	}
	if len(targets) == 0 {
		e.logf("Phase 1: no domain content to repair")
		return false, nil
	}
	if e.analyzer == nil {
		e.logf("Phase 1: skipped, no domain analyzer configured (%d domain(s) left as is)", len(targets))
		return false, nil
	}

	entries, err := domain.ReadManifest(outputDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	byName := domain.EntriesByName(entries)
	repos := e.repoList(entries)

	e.logf("Phase 1: repairing %d domain(s): %s", len(targets), strings.Join(targets, ", "))

	changed := false
	for _, name := range targets {
		entry, ok := byName[name]
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("domain %s: no manifest entry", name))
			e.logf("  ✗ %s: no manifest entry", name)
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("domain %s: not attempted: %v", name, err))
			continue
		}

		fixed, touched, reason, err := e.repairDomain(ctx, outputDir, entry, entries, repos)
		if err != nil {
			return changed, err
		}
		changed = changed || touched
		if fixed {
			result.repaired++
			result.Fixed = append(result.Fixed, fmt.Sprintf("regenerated domain %s", name))
			continue
		}
		result.Errors = append(result.Errors, fmt.Sprintf("domain %s: %s", name, reason))
		e.logf("  ✗ %s: %s", name, reason)
	}
	return changed, nil
}

// repairDomain runs up to MaxDomainRetries analyzer attempts for one domain.
// Every attempt starts from a deleted file and ends with a scoped health check.
// touched reports whether the domain file was deleted or rewritten.
func (e *Executor) repairDomain(ctx context.Context, outputDir string, entry domain.Entry,
	entries []domain.Entry, repos []domain.Repo) (fixed, touched bool, reason string, err error) {

	path := domain.DomainPath(outputDir, entry.Name)
	reason = "no attempt made"

	for attempt := 1; attempt <= MaxDomainRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, touched, fmt.Sprintf("canceled after %d attempt(s): %v", attempt-1, ctxErr), nil
		}

		if rmErr := os.Remove(path); rmErr == nil {
			touched = true
		} else if !errors.Is(rmErr, fs.ErrNotExist) {
			return false, touched, "", fmt.Errorf("removing %s: %w", filepath.Base(path), rmErr)
		}

		e.logf("  → %s: attempt %d/%d", entry.Name, attempt, MaxDomainRetries)
		ok, callErr := e.callAnalyzer(ctx, outputDir, entry, entries, repos)
		if _, statErr := domain.StatDomain(outputDir, entry.Name); statErr == nil {
			touched = true
		}

		switch {
		case callErr != nil:
			reason = fmt.Sprintf("analyzer error: %v", callErr)
		case !ok:
			reason = "analyzer reported failure"
		default:
			remaining := e.detector.CheckDomain(outputDir, entry)
			if len(remaining) == 0 {
				e.logf("  ✓ %s: repaired on attempt %d", entry.Name, attempt)
				return true, touched, "", nil
			}
			reason = fmt.Sprintf("verification failed: %s", remaining[0].Detail)
		}
		e.logf("  ⚠ %s: attempt %d failed: %s", entry.Name, attempt, reason)
	}

	return false, touched, fmt.Sprintf("not repaired after %d attempts, last: %s", MaxDomainRetries, reason), nil
}

// callAnalyzer invokes the analyzer, converting a panic into an error.
func (e *Executor) callAnalyzer(ctx context.Context, outputDir string, entry domain.Entry,
	entries []domain.Entry, repos []domain.Repo) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("analyzer panicked: %v", r)
		}
	}()
	return e.analyzer(ctx, outputDir, entry, entries, repos)
}

func (e *Executor) repoList(entries []domain.Entry) []domain.Repo {
	if len(e.repos) > 0 {
		return e.repos
	}
	union := domain.RepoUnion(entries)
	repos := make([]domain.Repo, 0, len(union))
	for _, alias := range union {
		repos = append(repos, domain.Repo{Alias: alias})
	}
	return repos
}

func (e *Executor) removeOrphans(outputDir string, report *health.HealthReport, result *Result) (bool, error) {
	orphans := report.ByType(health.AnomalyOrphanDomainFile)
	if len(orphans) == 0 {
		e.logf("Phase 2: no orphan files")
		return false, nil
	}

	e.logf("Phase 2: removing %d orphan file(s)", len(orphans))
	removed := false
	for _, a := range orphans {
		name := filepath.Base(a.File)
		if name != a.File || !domain.IsDomainFileName(name) {
			result.Errors = append(result.Errors, fmt.Sprintf("orphan %q: refusing to delete", a.File))
			continue
		}
		err := os.Remove(filepath.Join(outputDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			e.logf("  → %s already gone", name)
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("removing orphan %s: %w", name, err)
		}
		removed = true
		result.repaired++
		result.Fixed = append(result.Fixed, fmt.Sprintf("removed orphan %s", name))
		e.logf("  ✓ removed %s", name)
	}
	return removed, nil
}

func needsReconcile(report *health.HealthReport) bool {
	return report.Has(health.AnomalyDomainCountMismatch) ||
		report.Has(health.AnomalyMissingDomainFile) ||
		report.Has(health.AnomalyOrphanDomainFile)
}

// reconcileManifest rewrites _domains.json to the entries whose domain file
// exists, keeping their metadata as is.
func (e *Executor) reconcileManifest(outputDir string, result *Result) (bool, error) {
	entries, err := domain.ReadManifest(outputDir)
	missingManifest := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		missingManifest = true
	}

	var kept []domain.Entry
	var dropped []string
	for _, entry := range entries {
		info, err := domain.StatDomain(outputDir, entry.Name)
		if err == nil && info.Mode().IsRegular() {
			kept = append(kept, entry)
			continue
		}
		dropped = append(dropped, entry.Name)
	}

	if len(dropped) == 0 && !missingManifest {
		e.logf("Phase 3: %s already matches disk", domain.ManifestFile)
		return false, nil
	}

	e.logf("Phase 3: rewriting %s (%d kept, %d dropped)", domain.ManifestFile, len(kept), len(dropped))
	if err := domain.WriteManifest(outputDir, kept); err != nil {
		return false, fmt.Errorf("rewriting manifest: %w", err)
	}

	msg := fmt.Sprintf("rewrote %s with %d domain(s)", domain.ManifestFile, len(kept))
	if len(dropped) > 0 {
		sort.Strings(dropped)
		msg += fmt.Sprintf(", dropped %s", strings.Join(dropped, ", "))
	}
	result.Fixed = append(result.Fixed, msg)
	return true, nil
}

// validate re-runs detection and sets the aggregate status.
func (e *Executor) validate(outputDir string, before *health.HealthReport, result *Result) {
	after := e.detector.Detect(outputDir, nil)
	result.FinalHealthStatus = after.Status
	result.AnomaliesAfter = len(after.Anomalies)
	result.Remaining = after.Anomalies

	improved := after.IsHealthy() || result.repaired > 0 ||
		len(after.Anomalies) < before.RepairableCount
	switch {
	case after.IsHealthy() && len(result.Errors) == 0:
		result.Status = StatusCompleted
	case improved:
		result.Status = StatusPartial
	default:
		result.Status = StatusFailed
	}

	e.logf("Phase 5: final status %s, %d anomalies remain, repair %s",
		after.Status, len(after.Anomalies), result.Status)
}
