// Package analyzer produces domain documents with an LLM. Both backends,
// the Anthropic API and an external CLI, share one prompt and one output
// normalization step, and both satisfy repair.DomainAnalyzer.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/cidx-server/depmap/internal/domain"
)

// BuildPrompt asks for one complete domain document. The other domains are
// listed so the model can describe cross-domain connections.
func BuildPrompt(entry domain.Entry, domains []domain.Entry, repos []domain.Repo) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are documenting the architectural domain %q in a multi-repository codebase.\n\n", entry.Name)
	if entry.Description != "" {
		fmt.Fprintf(&sb, "Domain description: %s\n", entry.Description)
	}
	if len(entry.ParticipatingRepos) > 0 {
		fmt.Fprintf(&sb, "Participating repositories: %s\n", strings.Join(entry.ParticipatingRepos, ", "))
	}
	if entry.Evidence != "" {
		fmt.Fprintf(&sb, "Evidence from discovery: %s\n", entry.Evidence)
	}

	if len(repos) > 0 {
		sb.WriteString("\nKnown repositories:\n")
		for _, r := range repos {
			if r.Description != "" {
				fmt.Fprintf(&sb, "- %s: %s\n", r.Alias, r.Description)
			} else {
				fmt.Fprintf(&sb, "- %s\n", r.Alias)
			}
		}
	}

	var others []string
	for _, d := range domains {
		if d.Name != entry.Name {
			others = append(others, d.Name)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(&sb, "\nOther domains in this map: %s\n", strings.Join(others, ", "))
	}

	sb.WriteString(`
Write the complete markdown document for this domain. Output only the document.

It MUST start with YAML frontmatter:
---
name: <domain name>
description: <one sentence>
participating_repos:
  - <repo alias>
last_analyzed: <ISO-8601 timestamp>
---

Then these sections, as level-2 headings, in this order:
## Overview
## Repository Roles
## Intra-Domain Dependencies
## Cross-Domain Connections

Describe what each repository does within the domain, how they depend on one
another, and which other domains they talk to. Be specific; a useful document
is at least several paragraphs long.
`)
	return sb.String()
}
