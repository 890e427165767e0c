package analyzer

import (
	"errors"
	"strings"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
)

// ErrEmptyResponse means the analyzer produced no usable text.
var ErrEmptyResponse = errors.New("analyzer returned an empty response")

// Normalize turns raw model output into a domain document: it unwraps a
// surrounding code fence, drops chatter before the frontmatter, and
// synthesizes frontmatter from entry when the model left it out.
func Normalize(raw string, entry domain.Entry, now time.Time) (string, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	text = stripFence(text)
	text = dropPreamble(text)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}

	if _, _, err := domain.ParseFrontmatter([]byte(text)); errors.Is(err, domain.ErrNoFrontmatter) {
		repos := entry.ParticipatingRepos
		if repos == nil {
			repos = []string{}
		}
		fm, err := domain.RenderFrontmatter(&domain.Frontmatter{
			Name:               entry.Name,
			Description:        entry.Description,
			ParticipatingRepos: repos,
			LastAnalyzed:       now.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return "", err
		}
		text = fm + "\n" + text
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text, nil
}

// stripFence removes one ``` fence wrapping the whole text.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	nl := strings.Index(text, "\n")
	if nl < 0 {
		return text
	}
	inner := text[nl+1 : len(text)-3]
	return strings.TrimSpace(inner)
}

// dropPreamble discards lines before the first "---" line, as long as they
// contain no markdown headings.
func dropPreamble(text string) string {
	if strings.HasPrefix(text, "---\n") {
		return text
	}
	idx := strings.Index(text, "\n---\n")
	if idx < 0 {
		return text
	}
	preamble := text[:idx]
	if strings.Contains(preamble, "#") {
		return text
	}
	return text[idx+1:]
}
