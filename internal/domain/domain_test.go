package domain

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDomainFileName(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		want     bool
	}{
		{"plain domain", "auth.md", true},
		{"reserved index", "_index.md", false},
		{"reserved journal", "_journal.md", false},
		{"reserved activity", "_activity.md", false},
		{"manifest", "_domains.json", false},
		{"not markdown", "notes.txt", false},
		{"bare extension", ".md", false},
		{"nested path", "sub/auth.md", false},
		{"dot stem", "..md", false},
		{"parent in stem", "a..b.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDomainFileName(tt.fileName))
		})
	}
}

func TestIsValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"auth", true},
		{"order-service.v2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../victim", false},
		{"a..b", false},
		{"sub/auth", false},
		{`sub\auth`, false},
		{"/etc/passwd", false},
		{"_index", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidName(tt.name), "name %q", tt.name)
	}
}

func TestStatDomain(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "map")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "victim.md"), []byte("keep"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.md"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "auth.md"), filepath.Join(dir, "alias.md")))

	info, err := StatDomain(dir, "auth")
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	info, err = StatDomain(dir, "alias")
	require.NoError(t, err)
	assert.False(t, info.Mode().IsRegular(), "symlinks are not followed")

	_, err = StatDomain(dir, "../victim")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestListDomainFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.md", "a.md", "_index.md", "_journal.md", "readme.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.md"), 0755))

	files, err := ListDomainFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, files)
}

func TestManifest_RoundTripPreservesExtraFields(t *testing.T) {
	dir := t.TempDir()
	raw := `[
  {"name": "auth", "description": "Login", "participating_repos": ["api", "web"], "evidence": "shared tokens", "confidence": 0.9},
  {"name": "billing", "description": "Invoices", "participating_repos": []}
]`
	require.NoError(t, os.WriteFile(ManifestPath(dir), []byte(raw), 0644))

	entries, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "auth", entries[0].Name)
	assert.Equal(t, []string{"api", "web"}, entries[0].ParticipatingRepos)
	assert.Equal(t, "shared tokens", entries[0].Evidence)
	assert.JSONEq(t, "0.9", string(entries[0].Extra["confidence"]))

	require.NoError(t, WriteManifest(dir, entries[:1]))

	data, err := os.ReadFile(ManifestPath(dir))
	require.NoError(t, err)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, 0.9, decoded[0]["confidence"])
	assert.Equal(t, "Login", decoded[0]["description"])
}

func TestReadManifest_Missing(t *testing.T) {
	_, err := ReadManifest(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestReadManifest_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(ManifestPath(dir), []byte("{not json"), 0644))

	_, err := ReadManifest(dir)
	require.Error(t, err)
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}

func TestWriteManifest_NilEntriesWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteManifest(dir, nil))

	data, err := os.ReadFile(ManifestPath(dir))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestRepoUnion(t *testing.T) {
	entries := []Entry{
		{Name: "a", ParticipatingRepos: []string{"web", "api"}},
		{Name: "b", ParticipatingRepos: []string{"api", "worker", ""}},
	}
	assert.Equal(t, []string{"api", "web", "worker"}, RepoUnion(entries))
}

func TestParseFrontmatter(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		doc := "---\nname: auth\ndescription: Login flows\nparticipating_repos:\n  - api\n  - web\nlast_analyzed: 2026-01-02T03:04:05Z\n---\n\n## Overview\n"
		fm, body, err := ParseFrontmatter([]byte(doc))
		require.NoError(t, err)
		assert.Equal(t, "auth", fm.DomainName())
		assert.Equal(t, []string{"api", "web"}, fm.ParticipatingRepos)
		assert.Equal(t, "2026-01-02T03:04:05Z", fm.LastAnalyzed)
		assert.Contains(t, body, "## Overview")
	})

	t.Run("domain key accepted", func(t *testing.T) {
		fm, _, err := ParseFrontmatter([]byte("---\ndomain: billing\n---\nbody"))
		require.NoError(t, err)
		assert.Equal(t, "billing", fm.DomainName())
	})

	t.Run("crlf line endings", func(t *testing.T) {
		fm, _, err := ParseFrontmatter([]byte("---\r\nname: x\r\n---\r\nbody"))
		require.NoError(t, err)
		assert.Equal(t, "x", fm.Name)
	})

	t.Run("no frontmatter", func(t *testing.T) {
		_, _, err := ParseFrontmatter([]byte("# Title\n\n## Overview\n"))
		assert.ErrorIs(t, err, ErrNoFrontmatter)
	})

	t.Run("unterminated", func(t *testing.T) {
		_, _, err := ParseFrontmatter([]byte("---\nname: x\n## Overview\n"))
		assert.ErrorIs(t, err, ErrNoFrontmatter)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, _, err := ParseFrontmatter([]byte("---\nparticipating_repos: [unclosed\n---\n"))
		assert.ErrorIs(t, err, ErrMalformedFrontmatter)
	})

	t.Run("empty block", func(t *testing.T) {
		_, _, err := ParseFrontmatter([]byte("---\n---\nbody"))
		assert.ErrorIs(t, err, ErrMalformedFrontmatter)
	})
}

func TestRenderFrontmatter_ParsesBack(t *testing.T) {
	in := &Frontmatter{
		Name:               "auth",
		Description:        "Login: flows",
		ParticipatingRepos: []string{"api"},
		LastAnalyzed:       "2026-01-01T00:00:00Z",
	}
	block, err := RenderFrontmatter(in)
	require.NoError(t, err)

	out, _, err := ParseFrontmatter([]byte(block + "body\n"))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMissingSections(t *testing.T) {
	body := "## Overview\ntext\n\n##  repository roles  \n- api\n### Overview detail\n"
	assert.Empty(t, MissingSections(body, RequiredSections))
	assert.Equal(t, SoftSections, MissingSections(body, SoftSections))
	assert.Equal(t, []string{"Overview"}, MissingSections("# Overview\n## Repository Roles\n", RequiredSections))
}

func TestParseMatrixRepos(t *testing.T) {
	doc := `---
schema_version: 1
---

## Domain Catalog

| Domain | Description | Repos |
|---|---|---|
| auth | Login | 2 |

## Repo-to-Domain Matrix

| Repository | Domain |
|---|---|
| api | auth |
| web | auth |
| pipe\|repo | auth |

## Cross-Domain Dependencies

| ghost | auth |
`
	repos, found := ParseMatrixRepos([]byte(doc))
	assert.True(t, found)
	assert.Equal(t, map[string]bool{"api": true, "web": true, "pipe|repo": true}, repos)
}

func TestParseMatrixRepos_HeaderSkippedByPosition(t *testing.T) {
	doc := "## Repo-to-Domain Matrix\n\n| Repository | Domain |\n|---|---|\n| Repository | core |\n| repository | core |\n"
	repos, found := ParseMatrixRepos([]byte(doc))
	assert.True(t, found)
	assert.Equal(t, map[string]bool{"Repository": true, "repository": true}, repos)
}

func TestParseMatrixRepos_NoSection(t *testing.T) {
	repos, found := ParseMatrixRepos([]byte("## Domain Catalog\n| a | b |\n"))
	assert.False(t, found)
	assert.Empty(t, repos)
}

func TestEscapeCell(t *testing.T) {
	assert.Equal(t, `a \| b c`, EscapeCell("a | b\nc"))
	assert.Equal(t, []string{"a | b c", "x"}, SplitTableRow("| "+EscapeCell("a | b\nc")+" | x |"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.md")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
