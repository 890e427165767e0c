package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Entry is one element of the _domains.json manifest.
type Entry struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	ParticipatingRepos []string `json:"participating_repos"`
	Evidence           string   `json:"evidence,omitempty"`

	// Extra holds fields this package does not model. They are written back
	// unchanged so a manifest rewrite never loses metadata.
	Extra map[string]json.RawMessage `json:"-"`
}

// Repo describes a repository handed to the domain analyzer.
type Repo struct {
	Alias       string `json:"alias"`
	Description string `json:"description,omitempty"`
}

var knownEntryFields = map[string]bool{
	"name":                true,
	"description":         true,
	"participating_repos": true,
	"evidence":            true,
}

// UnmarshalJSON decodes an entry and keeps unknown fields in Extra.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if knownEntryFields[key] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[key] = value
	}

	*e = Entry(p)
	return nil
}

// MarshalJSON encodes an entry, merging Extra back in.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	p := plain(e)
	if p.ParticipatingRepos == nil {
		p.ParticipatingRepos = []string{}
	}

	data, err := json.Marshal(p)
	if err != nil || len(e.Extra) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range e.Extra {
		if _, known := merged[key]; !known {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// ReadManifest loads _domains.json from outputDir. A missing file yields an
// error satisfying errors.Is(err, fs.ErrNotExist).
func ReadManifest(outputDir string) ([]Entry, error) {
	path := ManifestPath(outputDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("parsing manifest %s: file is empty", path)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return entries, nil
}

// WriteManifest atomically replaces _domains.json with entries.
func WriteManifest(outputDir string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing manifest: %w", err)
	}
	data = append(data, '\n')

	return WriteFileAtomic(ManifestPath(outputDir), data, 0644)
}

// EntriesByName indexes entries by name. Later duplicates win.
func EntriesByName(entries []Entry) map[string]Entry {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	return byName
}

// RepoUnion returns the sorted, de-duplicated union of every entry's
// participating repos.
func RepoUnion(entries []Entry) []string {
	seen := make(map[string]bool)
	for _, e := range entries {
		for _, r := range e.ParticipatingRepos {
			if r != "" {
				seen[r] = true
			}
		}
	}
	return SortedKeys(seen)
}

// SortedKeys returns the keys of a string set in sorted order.
func SortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
