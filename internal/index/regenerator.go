// Package index rebuilds _index.md from the manifest and the domain files on
// disk. The index is derived data: it is always overwritten in full.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is written to every regenerated index.
const SchemaVersion = 1

// NoCrossDomainText fills the cross-domain section. Edges between domains are
// produced by the analyzer inside each domain file, not recomputed here.
const NoCrossDomainText = "No cross-domain dependencies detected."

// Header is the YAML frontmatter of _index.md.
type Header struct {
	SchemaVersion      int      `yaml:"schema_version"`
	LastAnalyzed       string   `yaml:"last_analyzed"`
	ReposAnalyzedCount int      `yaml:"repos_analyzed_count"`
	DomainsCount       int      `yaml:"domains_count"`
	ReposAnalyzed      []string `yaml:"repos_analyzed"`
}

// included is one manifest entry whose domain file exists.
type included struct {
	name        string
	description string
	repos       []string
}

// Regenerator writes _index.md. Now is the clock used for last_analyzed and
// may be replaced in tests.
type Regenerator struct {
	Now func() time.Time
}

// NewRegenerator creates a regenerator using the wall clock.
func NewRegenerator() *Regenerator {
	return &Regenerator{Now: time.Now}
}

// Regenerate rebuilds _index.md in outputDir and returns its path. A missing
// manifest is treated as an empty one.
func (r *Regenerator) Regenerate(outputDir string) (string, error) {
	entries, err := domain.ReadManifest(outputDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		entries = nil
	}

	domains := collect(outputDir, entries)
	doc, err := r.render(domains)
	if err != nil {
		return "", err
	}

	path := domain.IndexPath(outputDir)
	if err := domain.WriteFileAtomic(path, doc, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", domain.IndexFile, err)
	}
	return path, nil
}

// collect resolves each manifest entry against its file. Entries without a
// file are skipped; repos come from the file's frontmatter when it parses and
// names at least one repo, otherwise from the manifest.
func collect(outputDir string, entries []domain.Entry) []included {
	var out []included
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.Name == "" || seen[entry.Name] {
			continue
		}
		info, err := domain.StatDomain(outputDir, entry.Name)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		path := domain.DomainPath(outputDir, entry.Name)
		seen[entry.Name] = true

		item := included{
			name:        entry.Name,
			description: entry.Description,
			repos:       entry.ParticipatingRepos,
		}
		if content, err := os.ReadFile(path); err == nil {
			if fm, _, err := domain.ParseFrontmatter(content); err == nil {
				if len(nonEmpty(fm.ParticipatingRepos)) > 0 {
					item.repos = fm.ParticipatingRepos
				}
				if item.description == "" {
					item.description = fm.Description
				}
			}
		}
		item.repos = dedupeSorted(item.repos)
		out = append(out, item)
	}
	return out
}

func (r *Regenerator) render(domains []included) ([]byte, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	union := make(map[string]bool)
	type pair struct{ repo, domain string }
	var pairs []pair
	for _, d := range domains {
		for _, repo := range d.repos {
			union[repo] = true
			pairs = append(pairs, pair{repo, d.name})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].repo != pairs[j].repo {
			return pairs[i].repo < pairs[j].repo
		}
		return pairs[i].domain < pairs[j].domain
	})

	repos := domain.SortedKeys(union)
	header := Header{
		SchemaVersion:      SchemaVersion,
		LastAnalyzed:       now().UTC().Format(time.RFC3339),
		ReposAnalyzedCount: len(repos),
		DomainsCount:       len(domains),
		ReposAnalyzed:      repos,
	}

	var fm bytes.Buffer
	enc := yaml.NewEncoder(&fm)
	enc.SetIndent(2)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("encoding index frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding index frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fm.Bytes())
	sb.WriteString("---\n\n")
	sb.WriteString("# Dependency Map Index\n\n")

	sb.WriteString("## " + domain.CatalogHeading + "\n\n")
	sb.WriteString("| Domain | Description | Repos |\n")
	sb.WriteString("|---|---|---|\n")
	for _, d := range domains {
		fmt.Fprintf(&sb, "| %s | %s | %d |\n", domain.EscapeCell(d.name), domain.EscapeCell(d.description), len(d.repos))
	}

	sb.WriteString("\n## " + domain.MatrixHeading + "\n\n")
	sb.WriteString("| Repository | Domain |\n")
	sb.WriteString("|---|---|\n")
	for _, p := range pairs {
		fmt.Fprintf(&sb, "| %s | %s |\n", domain.EscapeCell(p.repo), domain.EscapeCell(p.domain))
	}

	sb.WriteString("\n## " + domain.CrossDomainHeading + "\n\n")
	sb.WriteString(NoCrossDomainText + "\n")

	return []byte(sb.String()), nil
}

// ReadHeader parses the frontmatter of an existing _index.md.
func ReadHeader(outputDir string) (*Header, error) {
	content, err := os.ReadFile(domain.IndexPath(outputDir))
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, domain.ErrNoFrontmatter
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, domain.ErrNoFrontmatter
	}

	var h Header
	if err := yaml.Unmarshal([]byte(rest[:end]), &h); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFrontmatter, err)
	}
	return &h, nil
}

func nonEmpty(repos []string) []string {
	var out []string
	for _, r := range repos {
		if strings.TrimSpace(r) != "" {
			out = append(out, r)
		}
	}
	return out
}

func dedupeSorted(repos []string) []string {
	set := make(map[string]bool, len(repos))
	for _, r := range nonEmpty(repos) {
		set[strings.TrimSpace(r)] = true
	}
	return domain.SortedKeys(set)
}
