// Package health inspects a dependency-map output directory and reports the
// structural anomalies it finds.
//
// # Layout
//
// A dependency-map directory holds a manifest (_domains.json), one markdown
// file per domain ({name}.md) and a derived index (_index.md). The manifest
// says which domains should exist; the filesystem holds their content.
//
// # Checks
//
// Detect runs every check unconditionally and never short-circuits, with one
// exception: a directory that does not exist, or whose manifest cannot be
// read, is reported as critical with no anomalies.
//
//  1. Per-domain presence and size (missing, empty, undersized)
//  2. Orphan domain files not listed in the manifest
//  3. Manifest length versus domain file count
//  4. Frontmatter and required sections of full-size domain files
//  5. Index presence and staleness of its Repo-to-Domain Matrix
//  6. Coverage of caller-supplied repos (opt-in)
//
// # Severity
//
//	critical:     zero_char_domain or missing_domain_file present
//	needs_repair: any other anomaly present
//	healthy:      no anomalies
//
// Detect only reads. It is safe to run from an unattended health loop and
// never returns an error; a broken directory is data, not a failure.
package health
