package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/cidx-server/depmap/internal/domain/domaintest"
	"github.com/cidx-server/depmap/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// healthyAnalyzer writes a valid document for every domain it is asked about.
func healthyAnalyzer(calls *[]string) DomainAnalyzer {
	return func(ctx context.Context, outputDir string, entry domain.Entry, domains []domain.Entry, repos []domain.Repo) (bool, error) {
		if calls != nil {
			*calls = append(*calls, entry.Name)
		}
		content := domaintest.HealthyContent(entry.Name, entry.ParticipatingRepos...)
		return true, os.WriteFile(domain.DomainPath(outputDir, entry.Name), []byte(content), 0644)
	}
}

func detect(dir string) *health.HealthReport {
	return health.NewDetector().Detect(dir, nil)
}

func containsSubstring(items []string, sub string) bool {
	for _, item := range items {
		if strings.Contains(item, sub) {
			return true
		}
	}
	return false
}

func TestExecute_HealthyReportIsNoOp(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"), domaintest.Entry("d2", "r2"))
	domaintest.Backdate(t, dir)
	before := domaintest.Snapshot(t, dir)

	var journal []string
	exec := NewExecutor(Config{
		Analyzer: func(context.Context, string, domain.Entry, []domain.Entry, []domain.Repo) (bool, error) {
			t.Fatal("analyzer must not run for a healthy report")
			return false, nil
		},
		Journal: func(msg string) { journal = append(journal, msg) },
	})

	result, err := exec.Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusNothingToRepair, result.Status)
	assert.Empty(t, result.Fixed)
	assert.Empty(t, result.Errors)
	assert.Equal(t, health.StatusHealthy, result.FinalHealthStatus)
	assert.Empty(t, journal)
	assert.Equal(t, before, domaintest.Snapshot(t, dir))
}

func TestExecute_ZeroByteDomainWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	domaintest.WriteManifest(t, dir, domain.Entry{Name: "d1", ParticipatingRepos: []string{"r1"}})
	domaintest.WriteFile(t, dir, "d1.md", "")

	report := detect(dir)
	require.Equal(t, health.StatusCritical, report.Status)

	var calls []string
	exec := NewExecutor(Config{Analyzer: healthyAnalyzer(&calls)})
	result, err := exec.Execute(context.Background(), dir, report)
	require.NoError(t, err)

	assert.Equal(t, []string{"d1"}, calls)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, health.StatusHealthy, result.FinalHealthStatus)
	assert.True(t, containsSubstring(result.Fixed, "d1"))
	assert.True(t, containsSubstring(result.Fixed, "regenerated _index.md"))
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, result.AnomaliesBefore)
	assert.Zero(t, result.AnomaliesAfter)
	assert.Empty(t, result.Remaining)
}

func TestExecute_ManifestAheadOfDiskWithoutAnalyzer(t *testing.T) {
	dir := t.TempDir()
	entries := []domain.Entry{
		domaintest.Entry("domain-1", "r1"),
		domaintest.Entry("domain-2", "r2"),
		domaintest.Entry("domain-3", "r3"),
		domaintest.Entry("missing-domain-4", "r4"),
	}
	entries[1].Evidence = "shared protobufs"
	require.NoError(t, os.WriteFile(domain.ManifestPath(dir), []byte(`[
  {"name": "domain-1", "description": "Domain domain-1", "participating_repos": ["r1"], "owner": "team-a"},
  {"name": "domain-2", "description": "Domain domain-2", "participating_repos": ["r2"], "evidence": "shared protobufs"},
  {"name": "domain-3", "description": "Domain domain-3", "participating_repos": ["r3"]},
  {"name": "missing-domain-4", "description": "Domain missing-domain-4", "participating_repos": ["r4"]}
]`), 0644))
	for _, e := range entries[:3] {
		domaintest.WriteDomain(t, dir, e.Name, e.ParticipatingRepos...)
	}
	domaintest.WriteIndex(t, dir, "r1", "domain-1", "r2", "domain-2", "r3", "domain-3")

	report := detect(dir)
	require.Equal(t, health.StatusCritical, report.Status)

	result, err := NewExecutor(Config{}).Execute(context.Background(), dir, report)
	require.NoError(t, err)

	got, err := domain.ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, entries[i].Name, e.Name)
		assert.Equal(t, entries[i].Description, e.Description)
		assert.Equal(t, entries[i].ParticipatingRepos, e.ParticipatingRepos)
	}
	assert.Equal(t, "shared protobufs", got[1].Evidence)
	assert.JSONEq(t, `"team-a"`, string(got[0].Extra["owner"]))

	_, statErr := os.Stat(filepath.Join(dir, "missing-domain-4.md"))
	assert.True(t, os.IsNotExist(statErr))

	assert.Empty(t, result.Errors)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, health.StatusHealthy, result.FinalHealthStatus)
	assert.True(t, containsSubstring(result.Fixed, "missing-domain-4"))
}

func TestExecute_BoundedRetries(t *testing.T) {
	tests := []struct {
		name  string
		write string
		ok    bool
		err   error
	}{
		{name: "reports failure", ok: false},
		{name: "returns error", ok: true, err: errors.New("model overloaded")},
		{name: "writes content without overview", ok: true,
			write: strings.Replace(domaintest.HealthyContent("d1", "r1"), "## Overview", "## Intro", 1)},
		{name: "writes undersized content", ok: true, write: "---\nname: d1\n---\n## Overview\n## Repository Roles\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
			domaintest.WriteFile(t, dir, "d1.md", "")

			calls := 0
			analyzer := func(ctx context.Context, outputDir string, entry domain.Entry, domains []domain.Entry, repos []domain.Repo) (bool, error) {
				calls++
				_, err := os.Stat(domain.DomainPath(outputDir, entry.Name))
				assert.True(t, os.IsNotExist(err), "broken file must be deleted before attempt %d", calls)
				if tt.write != "" {
					require.NoError(t, os.WriteFile(domain.DomainPath(outputDir, entry.Name), []byte(tt.write), 0644))
				}
				return tt.ok, tt.err
			}

			result, err := NewExecutor(Config{Analyzer: analyzer}).Execute(context.Background(), dir, detect(dir))
			require.NoError(t, err)

			assert.Equal(t, MaxDomainRetries, calls)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], "d1")
			assert.False(t, containsSubstring(result.Fixed, "domain d1"))
			assert.Equal(t, StatusFailed, result.Status)
			assert.NotEqual(t, health.StatusHealthy, result.FinalHealthStatus)
		})
	}
}

func TestExecute_RetrySucceedsOnSecondAttempt(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	domaintest.WriteFile(t, dir, "d1.md", "tiny")

	calls := 0
	good := healthyAnalyzer(nil)
	analyzer := func(ctx context.Context, outputDir string, entry domain.Entry, domains []domain.Entry, repos []domain.Repo) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("timeout")
		}
		return good(ctx, outputDir, entry, domains, repos)
	}

	result, err := NewExecutor(Config{Analyzer: analyzer}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, result.Fixed, "regenerated domain d1")
}

func TestExecute_AnalyzerPanicIsContained(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("bad", "r1"), domaintest.Entry("good", "r2"))
	domaintest.WriteFile(t, dir, "bad.md", "")
	domaintest.WriteFile(t, dir, "good.md", "")

	var order []string
	good := healthyAnalyzer(nil)
	analyzer := func(ctx context.Context, outputDir string, entry domain.Entry, domains []domain.Entry, repos []domain.Repo) (bool, error) {
		order = append(order, entry.Name)
		if entry.Name == "bad" {
			panic("analyzer crashed")
		}
		return good(ctx, outputDir, entry, domains, repos)
	}

	result, err := NewExecutor(Config{Analyzer: analyzer}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	assert.Equal(t, []string{"bad", "bad", "bad", "good"}, order)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "panicked")
	assert.Contains(t, result.Fixed, "regenerated domain good")
	assert.Equal(t, StatusPartial, result.Status)
}

func TestExecute_PassesDomainAndRepoLists(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r2", "r1"), domaintest.Entry("d2", "r3"))
	domaintest.WriteFile(t, dir, "d1.md", "")

	var gotDomains []domain.Entry
	var gotRepos []domain.Repo
	good := healthyAnalyzer(nil)
	analyzer := func(ctx context.Context, outputDir string, entry domain.Entry, domains []domain.Entry, repos []domain.Repo) (bool, error) {
		gotDomains, gotRepos = domains, repos
		return good(ctx, outputDir, entry, domains, repos)
	}

	_, err := NewExecutor(Config{Analyzer: analyzer}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)
	assert.Len(t, gotDomains, 2)
	assert.Equal(t, []domain.Repo{{Alias: "r1"}, {Alias: "r2"}, {Alias: "r3"}}, gotRepos)

	configured := []domain.Repo{{Alias: "r1", Description: "payments"}}
	domaintest.WriteFile(t, dir, "d1.md", "")
	_, err = NewExecutor(Config{Analyzer: analyzer, Repos: configured}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)
	assert.Equal(t, configured, gotRepos)
}

func TestExecute_RemovesOrphans(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	domaintest.WriteDomain(t, dir, "stray", "r9")
	domaintest.WriteFile(t, dir, domain.JournalFile, "# journal\n")

	report := detect(dir)
	require.True(t, report.Has(health.AnomalyOrphanDomainFile))

	result, err := NewExecutor(Config{}).Execute(context.Background(), dir, report)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "stray.md"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(dir, domain.JournalFile))
	assert.NoError(t, statErr)

	assert.Contains(t, result.Fixed, "removed orphan stray.md")
	assert.Equal(t, StatusCompleted, result.Status)

	entries, err := domain.ReadManifest(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExecute_RefusesUnsafeOrphanPath(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	report := &health.HealthReport{
		Status:    health.StatusNeedsRepair,
		Anomalies: []health.Anomaly{{Type: health.AnomalyOrphanDomainFile, File: "../escape.md"}},
	}

	result, err := NewExecutor(Config{}).Execute(context.Background(), dir, report)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "refusing")
}

func TestExecute_InvalidManifestNameNeverLeavesDir(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	victim := filepath.Join(filepath.Dir(dir), "victim.md")
	require.NoError(t, os.WriteFile(victim, []byte("keep"), 0644))
	domaintest.WriteManifest(t, dir, domaintest.Entry("d1", "r1"), domaintest.Entry("../victim", "r1"))

	var calls []string
	exec := NewExecutor(Config{
		Analyzer: func(_ context.Context, _ string, entry domain.Entry, _ []domain.Entry, _ []domain.Repo) (bool, error) {
			calls = append(calls, entry.Name)
			return false, nil
		},
	})
	result, err := exec.Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	data, err := os.ReadFile(victim)
	require.NoError(t, err, "file outside the output directory must survive")
	assert.Equal(t, "keep", string(data))
	assert.Empty(t, calls)
	assert.True(t, containsSubstring(result.Errors, "invalid name"), "errors: %v", result.Errors)

	entries, err := domain.ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].Name)
	assert.Equal(t, health.StatusHealthy, result.FinalHealthStatus)
	assert.Equal(t, StatusPartial, result.Status)
}

func TestExecute_SymlinkedDomainFile(t *testing.T) {
	setup := func(t *testing.T) (dir, target string) {
		dir = domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
		target = filepath.Join(t.TempDir(), "real.md")
		require.NoError(t, os.WriteFile(target, []byte(domaintest.HealthyContent("d1", "r1")), 0644))
		require.NoError(t, os.Remove(filepath.Join(dir, "d1.md")))
		require.NoError(t, os.Symlink(target, filepath.Join(dir, "d1.md")))
		return dir, target
	}

	t.Run("regenerated as a regular file", func(t *testing.T) {
		dir, target := setup(t)

		result, err := NewExecutor(Config{Analyzer: healthyAnalyzer(nil)}).Execute(context.Background(), dir, detect(dir))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status, "errors: %v", result.Errors)

		info, err := os.Lstat(filepath.Join(dir, "d1.md"))
		require.NoError(t, err)
		assert.True(t, info.Mode().IsRegular())
		assert.FileExists(t, target)
	})

	t.Run("dropped without an analyzer", func(t *testing.T) {
		dir, target := setup(t)

		result, err := NewExecutor(Config{}).Execute(context.Background(), dir, detect(dir))
		require.NoError(t, err)
		assert.Equal(t, health.StatusHealthy, result.FinalHealthStatus, "remaining: %v", result.Remaining)
		for _, a := range result.Remaining {
			assert.NotEqual(t, health.AnomalyDomainCountMismatch, a.Type)
		}
		assert.FileExists(t, target)
	})
}

func TestExecute_RejectsDocumentForAnotherDomain(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d1.md"), nil, 0644))

	exec := NewExecutor(Config{
		Analyzer: func(_ context.Context, outputDir string, entry domain.Entry, _ []domain.Entry, _ []domain.Repo) (bool, error) {
			content := domaintest.HealthyContent("billing", entry.ParticipatingRepos...)
			return true, os.WriteFile(domain.DomainPath(outputDir, entry.Name), []byte(content), 0644)
		},
	})
	result, err := exec.Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not repaired after 3 attempts")
	assert.Contains(t, result.Errors[0], `declares domain "billing"`)
}

func TestExecute_StaleIndexOnly(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1", "r2"))
	domaintest.WriteIndex(t, dir, "r1", "d1")
	domaintest.Backdate(t, dir)
	before := domaintest.Snapshot(t, dir)

	result, err := NewExecutor(Config{}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"regenerated _index.md"}, result.Fixed)

	after := domaintest.Snapshot(t, dir)
	assert.Equal(t, before[domain.ManifestFile], after[domain.ManifestFile])
	assert.Equal(t, before["d1.md"], after["d1.md"])
}

func TestExecute_UncoveredRepoIsNotRepaired(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "a"))
	report := health.NewDetector().Detect(dir, []string{"a", "c"})
	require.Equal(t, health.StatusNeedsRepair, report.Status)
	domaintest.Backdate(t, dir)
	before := domaintest.Snapshot(t, dir)

	result, err := NewExecutor(Config{}).Execute(context.Background(), dir, report)
	require.NoError(t, err)

	assert.Empty(t, result.Fixed)
	assert.Equal(t, health.StatusHealthy, result.FinalHealthStatus)
	assert.Equal(t, before, domaintest.Snapshot(t, dir))
}

func TestExecute_Journal(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	domaintest.WriteFile(t, dir, "d1.md", "")

	var lines []string
	exec := NewExecutor(Config{
		Analyzer: healthyAnalyzer(nil),
		Journal:  func(msg string) { lines = append(lines, msg) },
	})
	_, err := exec.Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	joined := strings.Join(lines, "\n")
	for _, phase := range []string{"Phase 1", "Phase 2", "Phase 3", "Phase 4", "Phase 5"} {
		assert.Contains(t, joined, phase)
	}
	assert.Contains(t, joined, "d1: repaired on attempt 1")
}

func TestExecute_NilJournalBehavesTheSame(t *testing.T) {
	build := func() string {
		dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
		domaintest.WriteFile(t, dir, "d1.md", "")
		return dir
	}

	dir := build()
	withJournal, err := NewExecutor(Config{Analyzer: healthyAnalyzer(nil), Journal: func(string) {}}).
		Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	dir = build()
	without, err := NewExecutor(Config{Analyzer: healthyAnalyzer(nil)}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	assert.Equal(t, withJournal.Status, without.Status)
	assert.Equal(t, withJournal.Fixed, without.Fixed)
}

func TestExecute_CanceledContext(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	domaintest.WriteFile(t, dir, "d1.md", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecutor(Config{
		Analyzer: func(context.Context, string, domain.Entry, []domain.Entry, []domain.Repo) (bool, error) {
			t.Fatal("analyzer called after cancel")
			return false, nil
		},
	})
	result, err := exec.Execute(ctx, dir, detect(dir))
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "context canceled")
}

type failingIndexer struct{}

func (failingIndexer) Regenerate(string) (string, error) {
	return "", errors.New("disk full")
}

func TestExecute_IndexFailurePropagates(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	require.NoError(t, os.Remove(domain.IndexPath(dir)))

	_, err := NewExecutor(Config{Regenerator: failingIndexer{}}).Execute(context.Background(), dir, detect(dir))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestResult_ToMap(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"))
	result, err := NewExecutor(Config{}).Execute(context.Background(), dir, detect(dir))
	require.NoError(t, err)

	m, err := result.ToMap()
	require.NoError(t, err)
	assert.Equal(t, "nothing_to_repair", m["status"])
	assert.Equal(t, "healthy", m["final_health_status"])
	assert.Equal(t, []interface{}{}, m["fixed"])
	assert.Equal(t, []interface{}{}, m["errors"])
}

func TestPlan(t *testing.T) {
	dir := domaintest.HealthyDir(t, domaintest.Entry("d1", "r1"), domaintest.Entry("d2", "r2"))
	domaintest.WriteFile(t, dir, "d1.md", "")
	require.NoError(t, os.Remove(filepath.Join(dir, "d2.md")))
	domaintest.WriteDomain(t, dir, "stray", "r3")
	domaintest.Backdate(t, dir)
	before := domaintest.Snapshot(t, dir)

	plan := NewExecutor(Config{Analyzer: healthyAnalyzer(nil)}).Plan(detect(dir))

	var phases []int
	for _, step := range plan {
		phases = append(phases, step.Phase)
	}
	assert.Equal(t, []int{1, 1, 2, 3, 4, 5}, phases)
	assert.Contains(t, plan[0].Description, "d1")
	assert.Contains(t, plan[1].Description, "d2")
	assert.Equal(t, before, domaintest.Snapshot(t, dir))

	assert.Nil(t, NewExecutor(Config{}).Plan(&health.HealthReport{Status: health.StatusHealthy}))
}
