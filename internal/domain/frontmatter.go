package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

var (
	// ErrNoFrontmatter means the document does not open with a --- block.
	ErrNoFrontmatter = errors.New("no YAML frontmatter")

	// ErrMalformedFrontmatter means the --- block exists but is not usable YAML.
	ErrMalformedFrontmatter = errors.New("malformed YAML frontmatter")
)

// Required and soft section titles of a domain document.
var (
	RequiredSections = []string{"Overview", "Repository Roles"}
	SoftSections     = []string{"Intra-Domain Dependencies", "Cross-Domain Connections"}
)

// Frontmatter is the YAML header of a domain file.
type Frontmatter struct {
	Name               string   `yaml:"name,omitempty"`
	Domain             string   `yaml:"domain,omitempty"`
	Description        string   `yaml:"description,omitempty"`
	ParticipatingRepos []string `yaml:"participating_repos"`
	LastAnalyzed       string   `yaml:"last_analyzed,omitempty"`
}

// DomainName returns the name key, falling back to the domain key.
func (f *Frontmatter) DomainName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Domain
}

func (f *Frontmatter) isEmpty() bool {
	return f.Name == "" && f.Domain == "" && f.Description == "" &&
		f.ParticipatingRepos == nil && f.LastAnalyzed == ""
}

// ParseFrontmatter splits a markdown document into its YAML frontmatter and
// body. The document must start with a "---" line and the block ends at the
// next "---" line.
func ParseFrontmatter(content []byte) (*Frontmatter, string, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")

	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelimiter {
		return nil, text, ErrNoFrontmatter
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelimiter {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, text, ErrNoFrontmatter
	}

	header := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrMalformedFrontmatter, err)
	}
	if fm.isEmpty() {
		return nil, body, fmt.Errorf("%w: block is empty", ErrMalformedFrontmatter)
	}

	return &fm, body, nil
}

// RenderFrontmatter serializes fm as a --- delimited block with a trailing
// newline.
func RenderFrontmatter(fm *Frontmatter) (string, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", fmt.Errorf("encoding frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding frontmatter: %w", err)
	}
	return frontmatterDelimiter + "\n" + sb.String() + frontmatterDelimiter + "\n", nil
}

var sectionPatterns = map[string]*regexp.Regexp{}

func sectionPattern(title string) *regexp.Regexp {
	if re, ok := sectionPatterns[title]; ok {
		return re
	}
	return regexp.MustCompile(`(?mi)^##[ \t]+` + regexp.QuoteMeta(title) + `[ \t]*#*[ \t]*$`)
}

func init() {
	for _, title := range append(append([]string{}, RequiredSections...), SoftSections...) {
		sectionPatterns[title] = sectionPattern(title)
	}
}

// HasSection reports whether body contains a level-2 header with the title.
func HasSection(body, title string) bool {
	return sectionPattern(title).MatchString(body)
}

// MissingSections returns the titles that have no level-2 header in body, in
// the order given.
func MissingSections(body string, titles []string) []string {
	var missing []string
	for _, title := range titles {
		if !HasSection(body, title) {
			missing = append(missing, title)
		}
	}
	return missing
}
