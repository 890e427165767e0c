// Package domain knows the on-disk layout of a dependency-map output
// directory: the _domains.json manifest, one markdown file per domain, and
// the derived _index.md document.
//
// It holds no state. Every function takes the output directory it should
// operate on, so callers can work against several directories at once.
package domain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// ManifestFile is the JSON array of domain entries.
	ManifestFile = "_domains.json"

	// IndexFile is the derived index document.
	IndexFile = "_index.md"

	// JournalFile receives human-readable repair progress lines.
	JournalFile = "_journal.md"

	// ActivityFile is written by the analysis scheduler.
	ActivityFile = "_activity.md"

	// MarkdownExt is the extension of domain files.
	MarkdownExt = ".md"

	// reservedPrefix marks metadata files that are never domains.
	reservedPrefix = "_"
)

// ErrInvalidName means a manifest name cannot be mapped to a file inside the
// output directory.
var ErrInvalidName = errors.New("invalid domain name")

// ManifestPath returns the path of _domains.json inside outputDir.
func ManifestPath(outputDir string) string {
	return filepath.Join(outputDir, ManifestFile)
}

// IndexPath returns the path of _index.md inside outputDir.
func IndexPath(outputDir string) string {
	return filepath.Join(outputDir, IndexFile)
}

// DomainPath returns the path of the markdown file for the named domain.
func DomainPath(outputDir, name string) string {
	return filepath.Join(outputDir, name+MarkdownExt)
}

// DomainFileName returns the file name (no directory) for the named domain.
func DomainFileName(name string) string {
	return name + MarkdownExt
}

// IsValidName reports whether name can name a domain file: a non-empty,
// non-reserved base name with no path separators or "..".
func IsValidName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return name == filepath.Base(name) && !IsReserved(name)
}

// StatDomain returns the file info of the named domain's file without
// following symlinks, matching what ListDomainFiles counts. Invalid names
// return ErrInvalidName and never touch the filesystem.
func StatDomain(outputDir, name string) (os.FileInfo, error) {
	if !IsValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return os.Lstat(DomainPath(outputDir, name))
}

// IsReserved reports whether a file name belongs to directory metadata
// (_index.md, _journal.md, _domains.json, ...) rather than to a domain.
func IsReserved(fileName string) bool {
	return strings.HasPrefix(fileName, reservedPrefix)
}

// IsDomainFileName reports whether fileName looks like a domain markdown file:
// a .md file whose stem is a valid domain name.
func IsDomainFileName(fileName string) bool {
	return strings.HasSuffix(fileName, MarkdownExt) && IsValidName(StemOf(fileName))
}

// StemOf strips the .md extension from a domain file name.
func StemOf(fileName string) string {
	return strings.TrimSuffix(fileName, MarkdownExt)
}

// ListDomainFiles returns the sorted names of every non-reserved *.md regular
// file directly inside outputDir, whether or not the manifest tracks it.
func ListDomainFiles(outputDir string) ([]string, error) {
	dirEntries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", outputDir, err)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !IsDomainFileName(de.Name()) {
			continue
		}
		// Symlinks and other irregular entries are not domain files.
		if !de.Type().IsRegular() {
			continue
		}
		names = append(names, de.Name())
	}

	sort.Strings(names)
	return names, nil
}

// WriteFileAtomic writes data to a temp file in the destination directory and
// renames it over path, so readers never observe a half-written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // best effort
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}
