package health

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
)

const (
	// MinDomainSize is the smallest acceptable domain file, in bytes.
	// Files strictly smaller than this are undersized.
	MinDomainSize = 1000

	// MetaRepo stores the dependency map itself and is never a subject of it.
	MetaRepo = "cidx-meta"
)

// Detector checks a dependency-map directory for anomalies. It keeps no
// state between calls; concurrent calls on different directories are safe.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{}
}

// domainCheck is the outcome of inspecting one manifest entry's file.
type domainCheck struct {
	anomalies   []Anomaly
	frontmatter *domain.Frontmatter // nil when absent or unparseable
}

// Detect inspects outputDir and returns a report. knownRepos enables the
// coverage check; pass nil to skip it.
func (d *Detector) Detect(outputDir string, knownRepos []string) *HealthReport {
	report := &HealthReport{
		OutputDir: outputDir,
		CheckedAt: time.Now(),
	}

	// Existence gate: the only short-circuit.
	info, err := os.Stat(outputDir)
	if err != nil || !info.IsDir() {
		report.Status = StatusCritical
		report.Anomalies = []Anomaly{}
		return report
	}

	mdFiles, err := domain.ListDomainFiles(outputDir)
	if err != nil {
		report.Status = StatusCritical
		report.Anomalies = []Anomaly{}
		return report
	}

	entries, err := domain.ReadManifest(outputDir)
	if err != nil {
		// A missing manifest next to domain files is an empty domain list, so
		// every file still gets flagged as an orphan.
		if !errors.Is(err, fs.ErrNotExist) || len(mdFiles) == 0 {
			report.Status = StatusCritical
			report.Anomalies = []Anomaly{}
			return report
		}
		entries = nil
	}

	var anomalies []Anomaly
	tracked := make(map[string]bool, len(entries))
	declaredRepos := make(map[string]bool)

	for _, entry := range entries {
		tracked[entry.Name] = true

		result := d.inspectDomain(outputDir, entry)
		anomalies = append(anomalies, result.anomalies...)
		if result.frontmatter != nil {
			for _, repo := range result.frontmatter.ParticipatingRepos {
				if repo != "" {
					declaredRepos[repo] = true
				}
			}
		}
	}

	anomalies = append(anomalies, checkOrphans(mdFiles, tracked)...)

	if len(entries) != len(mdFiles) {
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyDomainCountMismatch,
			JSONCount: len(entries),
			FileCount: len(mdFiles),
			Detail: fmt.Sprintf("%s lists %d domain(s) but %d domain file(s) exist",
				domain.ManifestFile, len(entries), len(mdFiles)),
		})
	}

	anomalies = append(anomalies, checkIndex(outputDir, len(mdFiles) > 0, declaredRepos)...)

	if knownRepos != nil {
		covered := make(map[string]bool, len(declaredRepos))
		for repo := range declaredRepos {
			covered[repo] = true
		}
		for _, repo := range domain.RepoUnion(entries) {
			covered[repo] = true
		}
		if a, ok := checkCoverage(knownRepos, covered); ok {
			anomalies = append(anomalies, a)
		}
	}

	report.Anomalies = anomalies
	report.finalize()
	return report
}

// CheckDomain runs the per-domain presence, size and structure checks for a
// single manifest entry. An empty result means the domain file is healthy.
// It is stricter than Detect: a document whose frontmatter names a different
// domain is malformed.
func (d *Detector) CheckDomain(outputDir string, entry domain.Entry) []Anomaly {
	result := d.inspectDomain(outputDir, entry)
	if len(result.anomalies) > 0 || result.frontmatter == nil {
		return result.anomalies
	}
	if declared := strings.TrimSpace(result.frontmatter.DomainName()); declared != "" && declared != entry.Name {
		return []Anomaly{{
			Type:   AnomalyMalformedDomain,
			Domain: entry.Name,
			Detail: fmt.Sprintf("domain file %s declares domain %q", domain.DomainFileName(entry.Name), declared),
		}}
	}
	return nil
}

func (d *Detector) inspectDomain(outputDir string, entry domain.Entry) domainCheck {
	var result domainCheck
	if !domain.IsValidName(entry.Name) {
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyMalformedDomain,
			Domain: entry.Name,
			Detail: fmt.Sprintf("invalid domain name %q in %s", entry.Name, domain.ManifestFile),
		})
		return result
	}

	fileName := domain.DomainFileName(entry.Name)
	path := domain.DomainPath(outputDir, entry.Name)

	info, err := domain.StatDomain(outputDir, entry.Name)
	if err != nil || !info.Mode().IsRegular() {
		// Unreadable metadata counts as missing.
		detail := fmt.Sprintf("domain file %s is missing", fileName)
		if err == nil {
			detail = fmt.Sprintf("domain file %s is not a regular file", fileName)
		} else if !errors.Is(err, fs.ErrNotExist) {
			detail = fmt.Sprintf("domain file %s cannot be read: %v", fileName, err)
		}
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyMissingDomainFile,
			Domain: entry.Name,
			Detail: detail,
		})
		return result
	}

	size := info.Size()
	if size == 0 {
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyZeroCharDomain,
			Domain: entry.Name,
			Detail: fmt.Sprintf("domain file %s is empty (0 bytes)", fileName),
		})
		return result
	}

	content, err := os.ReadFile(path)
	if err != nil {
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyMalformedDomain,
			Domain: entry.Name,
			Detail: fmt.Sprintf("domain file %s cannot be read: %v", fileName, err),
		})
		return result
	}

	fm, body, fmErr := domain.ParseFrontmatter(content)
	if fmErr == nil {
		result.frontmatter = fm
	}

	if size < MinDomainSize {
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyUndersizedDomain,
			Domain: entry.Name,
			Size:   size,
			Detail: fmt.Sprintf("domain file %s is %d bytes (minimum %d)", fileName, size, MinDomainSize),
		})
		return result
	}

	if fmErr != nil {
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyMalformedDomain,
			Domain: entry.Name,
			Detail: fmt.Sprintf("domain file %s: %v", fileName, fmErr),
		})
		return result
	}

	if missing := domain.MissingSections(body, domain.RequiredSections); len(missing) > 0 {
		detail := fmt.Sprintf("domain file %s is missing required section(s): %s",
			fileName, strings.Join(missing, ", "))
		if soft := domain.MissingSections(body, domain.SoftSections); len(soft) > 0 {
			detail += fmt.Sprintf("; also missing: %s", strings.Join(soft, ", "))
		}
		result.anomalies = append(result.anomalies, Anomaly{
			Type:   AnomalyIncompleteDomain,
			Domain: entry.Name,
			Detail: detail,
		})
	}

	return result
}

// checkOrphans flags domain files whose stem is not a manifest name.
// mdFiles already excludes reserved (_-prefixed) names.
func checkOrphans(mdFiles []string, tracked map[string]bool) []Anomaly {
	var anomalies []Anomaly
	for _, fileName := range mdFiles {
		if tracked[domain.StemOf(fileName)] {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Type:   AnomalyOrphanDomainFile,
			File:   fileName,
			Detail: fmt.Sprintf("%s is not listed in %s", fileName, domain.ManifestFile),
		})
	}
	return anomalies
}

// checkIndex flags a missing index, or an index whose matrix omits repos the
// domain files declare.
func checkIndex(outputDir string, haveDomainFiles bool, declaredRepos map[string]bool) []Anomaly {
	content, err := os.ReadFile(domain.IndexPath(outputDir))
	if err != nil {
		if !haveDomainFiles {
			return nil
		}
		detail := fmt.Sprintf("%s is missing", domain.IndexFile)
		if !errors.Is(err, fs.ErrNotExist) {
			detail = fmt.Sprintf("%s cannot be read: %v", domain.IndexFile, err)
		}
		return []Anomaly{{
			Type:   AnomalyMissingIndex,
			Detail: detail,
		}}
	}

	listed, _ := domain.ParseMatrixRepos(content)
	missing := make(map[string]bool)
	for repo := range declaredRepos {
		if !listed[repo] {
			missing[repo] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}

	repos := domain.SortedKeys(missing)
	return []Anomaly{{
		Type:         AnomalyStaleIndex,
		MissingRepos: repos,
		Detail: fmt.Sprintf("%s matrix is missing %d repo(s): %s",
			domain.IndexFile, len(repos), strings.Join(repos, ", ")),
	}}
}

// checkCoverage flags known repos, minus MetaRepo, that no domain covers.
func checkCoverage(knownRepos []string, covered map[string]bool) (Anomaly, bool) {
	uncovered := make(map[string]bool)
	for _, repo := range knownRepos {
		if repo == "" || repo == MetaRepo || covered[repo] {
			continue
		}
		uncovered[repo] = true
	}
	if len(uncovered) == 0 {
		return Anomaly{}, false
	}

	repos := domain.SortedKeys(uncovered)
	return Anomaly{
		Type:         AnomalyUncoveredRepo,
		MissingRepos: repos,
		Detail:       fmt.Sprintf("%d repo(s) not in any domain", len(repos)),
	}, true
}
