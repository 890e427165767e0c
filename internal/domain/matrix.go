package domain

import (
	"strings"
)

// Section headings of _index.md.
const (
	CatalogHeading     = "Domain Catalog"
	MatrixHeading      = "Repo-to-Domain Matrix"
	CrossDomainHeading = "Cross-Domain Dependencies"
)

// ParseMatrixRepos extracts the set of repositories listed in the first
// column of the Repo-to-Domain Matrix table of an index document. The first
// table row under the heading is the header and is never a repository. found
// is false when the document has no matrix section at all.
func ParseMatrixRepos(content []byte) (repos map[string]bool, found bool) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	repos = make(map[string]bool)

	inMatrix := false
	headerSeen := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if inMatrix {
				// Next section ends the matrix.
				break
			}
			if strings.EqualFold(heading, MatrixHeading) {
				inMatrix = true
				found = true
			}
			continue
		}

		if !inMatrix || !strings.HasPrefix(trimmed, "|") {
			continue
		}

		if !headerSeen {
			headerSeen = true
			continue
		}

		cells := SplitTableRow(trimmed)
		if len(cells) == 0 || isSeparatorRow(cells) {
			continue
		}
		first := cells[0]
		if first == "" {
			continue
		}
		repos[first] = true
	}

	return repos, found
}

// SplitTableRow splits a markdown table row into trimmed, unescaped cells.
// Escaped pipes (\|) stay inside their cell.
func SplitTableRow(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	if strings.HasSuffix(row, "|") && !strings.HasSuffix(row, `\|`) {
		row = strings.TrimSuffix(row, "|")
	}

	var cells []string
	var cur strings.Builder
	for i := 0; i < len(row); i++ {
		c := row[i]
		if c == '\\' && i+1 < len(row) && row[i+1] == '|' {
			cur.WriteByte('|')
			i++
			continue
		}
		if c == '|' {
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	cells = append(cells, strings.TrimSpace(cur.String()))
	return cells
}

// EscapeCell makes s safe to place in a single markdown table cell.
func EscapeCell(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.TrimSpace(s)
}

func isSeparatorRow(cells []string) bool {
	for _, cell := range cells {
		if cell == "" {
			continue
		}
		if strings.Trim(cell, "-: ") != "" {
			return false
		}
	}
	return true
}
