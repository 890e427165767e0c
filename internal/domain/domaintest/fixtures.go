// Package domaintest builds dependency-map directories for tests.
package domaintest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/stretchr/testify/require"
)

// Entry is shorthand for a manifest entry with a generated description.
func Entry(name string, repos ...string) domain.Entry {
	return domain.Entry{
		Name:               name,
		Description:        "Domain " + name,
		ParticipatingRepos: repos,
	}
}

// HealthyContent returns a domain document that passes every structural
// check: frontmatter, all sections, and comfortably over the size floor.
func HealthyContent(name string, repos ...string) string {
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.WriteString(fmt.Sprintf("name: %s\n", name))
	sb.WriteString(fmt.Sprintf("description: Domain %s\n", name))
	sb.WriteString("participating_repos:\n")
	for _, r := range repos {
		sb.WriteString(fmt.Sprintf("  - %s\n", r))
	}
	sb.WriteString("last_analyzed: 2026-01-01T00:00:00Z\n")
	sb.WriteString("---\n\n")
	sb.WriteString(fmt.Sprintf("# %s\n\n", name))
	sb.WriteString("## Overview\n\n")
	sb.WriteString(strings.Repeat("This domain groups repositories that share one architectural concern. ", 12))
	sb.WriteString("\n\n## Repository Roles\n\n")
	for _, r := range repos {
		sb.WriteString(fmt.Sprintf("- **%s**: participates in %s.\n", r, name))
	}
	sb.WriteString("\n## Intra-Domain Dependencies\n\nShared libraries and service calls.\n")
	sb.WriteString("\n## Cross-Domain Connections\n\nNone recorded.\n")
	return sb.String()
}

// WriteManifest writes _domains.json.
func WriteManifest(t *testing.T, dir string, entries ...domain.Entry) {
	t.Helper()
	require.NoError(t, domain.WriteManifest(dir, entries))
}

// WriteDomain writes a healthy domain file for name.
func WriteDomain(t *testing.T, dir, name string, repos ...string) {
	t.Helper()
	WriteFile(t, dir, domain.DomainFileName(name), HealthyContent(name, repos...))
}

// WriteFile writes raw content to dir/fileName.
func WriteFile(t *testing.T, dir, fileName, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0644))
}

// WriteIndex writes an _index.md whose matrix lists the given repo/domain
// pairs, e.g. WriteIndex(t, dir, "api", "auth", "web", "auth").
func WriteIndex(t *testing.T, dir string, pairs ...string) {
	t.Helper()
	require.True(t, len(pairs)%2 == 0, "pairs must be repo/domain")

	var sb strings.Builder
	sb.WriteString("---\nschema_version: 1\n---\n\n## Repo-to-Domain Matrix\n\n| Repository | Domain |\n|---|---|\n")
	for i := 0; i < len(pairs); i += 2 {
		sb.WriteString(fmt.Sprintf("| %s | %s |\n", pairs[i], pairs[i+1]))
	}
	sb.WriteString("\n## Cross-Domain Dependencies\n\nNo cross-domain dependencies detected.\n")
	WriteFile(t, dir, domain.IndexFile, sb.String())
}

// HealthyDir builds a fully healthy directory from entries: manifest, one
// healthy file per entry, and a matching index.
func HealthyDir(t *testing.T, entries ...domain.Entry) string {
	t.Helper()
	dir := t.TempDir()
	WriteManifest(t, dir, entries...)

	var pairs []string
	for _, e := range entries {
		WriteDomain(t, dir, e.Name, e.ParticipatingRepos...)
		for _, r := range e.ParticipatingRepos {
			pairs = append(pairs, r, e.Name)
		}
	}
	WriteIndex(t, dir, pairs...)
	return dir
}

// FileState captures content and mtime of every file in a directory.
type FileState map[string]FileSnapshot

// FileSnapshot is one file's content and modification time.
type FileSnapshot struct {
	Content string
	ModTime time.Time
}

// Snapshot records the state of every regular file directly inside dir.
func Snapshot(t *testing.T, dir string) FileState {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	state := make(FileState)
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())
		info, err := os.Stat(path)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		state[de.Name()] = FileSnapshot{Content: string(data), ModTime: info.ModTime()}
	}
	return state
}

// Backdate sets every file's mtime into the past so a later write would be
// visible even on filesystems with coarse timestamps.
func Backdate(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, de := range entries {
		require.NoError(t, os.Chtimes(filepath.Join(dir, de.Name()), past, past))
	}
}
