package health

import (
	"time"
)

// AnomalyType tags a structural defect in a dependency-map directory.
// The string values are stable and are matched on by callers.
type AnomalyType string

const (
	// AnomalyMissingDomainFile: a manifest entry has no {name}.md on disk.
	AnomalyMissingDomainFile AnomalyType = "missing_domain_file"

	// AnomalyZeroCharDomain: the domain file exists but is empty.
	AnomalyZeroCharDomain AnomalyType = "zero_char_domain"

	// AnomalyUndersizedDomain: the domain file is below MinDomainSize bytes.
	AnomalyUndersizedDomain AnomalyType = "undersized_domain"

	// AnomalyOrphanDomainFile: a domain file the manifest does not list.
	AnomalyOrphanDomainFile AnomalyType = "orphan_domain_file"

	// AnomalyDomainCountMismatch: manifest length differs from the number of
	// domain files on disk.
	AnomalyDomainCountMismatch AnomalyType = "domain_count_mismatch"

	// AnomalyMalformedDomain: the domain file has no usable YAML frontmatter.
	AnomalyMalformedDomain AnomalyType = "malformed_domain"

	// AnomalyIncompleteDomain: the domain file lacks a required section.
	AnomalyIncompleteDomain AnomalyType = "incomplete_domain"

	// AnomalyMissingIndex: _index.md is absent while domain files exist.
	AnomalyMissingIndex AnomalyType = "missing_index"

	// AnomalyStaleIndex: the index matrix omits repos declared by domains.
	AnomalyStaleIndex AnomalyType = "stale_index"

	// AnomalyUncoveredRepo: known repos that no domain covers. Fixing this
	// needs a full discovery pass, not a mechanical repair.
	AnomalyUncoveredRepo AnomalyType = "uncovered_repo"
)

// criticalTypes escalate a report to StatusCritical.
var criticalTypes = map[AnomalyType]bool{
	AnomalyZeroCharDomain:    true,
	AnomalyMissingDomainFile: true,
}

// requiresFullRerun lists types the repair executor cannot fix.
var requiresFullRerun = map[AnomalyType]bool{
	AnomalyUncoveredRepo: true,
}

// DomainContentTypes are the anomalies fixed by re-running the analyzer for
// one domain.
var DomainContentTypes = []AnomalyType{
	AnomalyZeroCharDomain,
	AnomalyMissingDomainFile,
	AnomalyUndersizedDomain,
	AnomalyIncompleteDomain,
	AnomalyMalformedDomain,
}

// IsCritical reports whether the type escalates a report to critical.
func (t AnomalyType) IsCritical() bool {
	return criticalTypes[t]
}

// IsRepairable reports whether the repair executor can plausibly fix the
// anomaly, either for free or by re-running the domain analyzer.
func (t AnomalyType) IsRepairable() bool {
	return !requiresFullRerun[t]
}

// IsDomainContent reports whether the type concerns one domain's content.
func (t AnomalyType) IsDomainContent() bool {
	for _, ct := range DomainContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// Anomaly is one detected defect. Which payload fields are set depends on
// Type: Domain for per-domain types, File for orphans, MissingRepos for
// stale_index and uncovered_repo, Size for undersized_domain, and the counts
// for domain_count_mismatch.
type Anomaly struct {
	Type         AnomalyType `json:"type"`
	Domain       string      `json:"domain,omitempty"`
	File         string      `json:"file,omitempty"`
	MissingRepos []string    `json:"missing_repos,omitempty"`
	Size         int64       `json:"size,omitempty"`
	JSONCount    int         `json:"json_count,omitempty"`
	FileCount    int         `json:"file_count,omitempty"`
	Detail       string      `json:"detail"`
}

// Status is the overall verdict of a health check.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusNeedsRepair Status = "needs_repair"
	StatusCritical    Status = "critical"
)

// HealthReport is the detector's output for one directory.
type HealthReport struct {
	OutputDir       string    `json:"output_dir"`
	Status          Status    `json:"status"`
	Anomalies       []Anomaly `json:"anomalies"`
	RepairableCount int       `json:"repairable_count"`
	CheckedAt       time.Time `json:"checked_at"`
}

// IsHealthy reports whether the directory needs no repair.
func (r *HealthReport) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Has reports whether any anomaly of the given type is present.
func (r *HealthReport) Has(t AnomalyType) bool {
	for _, a := range r.Anomalies {
		if a.Type == t {
			return true
		}
	}
	return false
}

// ByType returns the anomalies of the given type in report order.
func (r *HealthReport) ByType(t AnomalyType) []Anomaly {
	var out []Anomaly
	for _, a := range r.Anomalies {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// CountByType tallies anomalies per type.
func (r *HealthReport) CountByType() map[AnomalyType]int {
	counts := make(map[AnomalyType]int)
	for _, a := range r.Anomalies {
		counts[a.Type]++
	}
	return counts
}

// finalize derives Status and RepairableCount from the anomaly list.
// Critical always wins over needs_repair regardless of ordering.
func (r *HealthReport) finalize() {
	if r.Anomalies == nil {
		r.Anomalies = []Anomaly{}
	}

	r.RepairableCount = 0
	critical := false
	for _, a := range r.Anomalies {
		if a.Type.IsCritical() {
			critical = true
		}
		if a.Type.IsRepairable() {
			r.RepairableCount++
		}
	}

	switch {
	case critical:
		r.Status = StatusCritical
	case len(r.Anomalies) > 0:
		r.Status = StatusNeedsRepair
	default:
		r.Status = StatusHealthy
	}
}
