package repair

import (
	"fmt"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/cidx-server/depmap/internal/health"
)

// PlannedAction is one step Execute would take for a report.
type PlannedAction struct {
	Phase       int    `json:"phase"`
	Description string `json:"description"`
}

// Plan lists what Execute would do for report without touching the
// directory. Phase 3 and later depend on earlier outcomes, so their entries
// describe the intent rather than exact results.
func (e *Executor) Plan(report *health.HealthReport) []PlannedAction {
	if report.IsHealthy() {
		return nil
	}

	var plan []PlannedAction
	targets, invalid := repairTargets(report)
	for _, name := range invalid {
		plan = append(plan, PlannedAction{Phase: 1, Description: fmt.Sprintf("skip domain %q: invalid name", name)})
	}
	for _, name := range targets {
		desc := fmt.Sprintf("regenerate domain %s (up to %d attempts)", name, MaxDomainRetries)
		if e.analyzer == nil {
			desc = fmt.Sprintf("skip domain %s: no analyzer configured", name)
		}
		plan = append(plan, PlannedAction{Phase: 1, Description: desc})
	}

	for _, a := range report.ByType(health.AnomalyOrphanDomainFile) {
		plan = append(plan, PlannedAction{Phase: 2, Description: "remove orphan " + a.File})
	}

	if needsReconcile(report) {
		plan = append(plan, PlannedAction{
			Phase:       3,
			Description: fmt.Sprintf("rewrite %s to the domains present on disk", domain.ManifestFile),
		})
	}

	if len(plan) > 0 || report.Has(health.AnomalyMissingIndex) || report.Has(health.AnomalyStaleIndex) {
		plan = append(plan, PlannedAction{Phase: 4, Description: "regenerate " + domain.IndexFile})
	}

	plan = append(plan, PlannedAction{Phase: 5, Description: "re-run health check"})
	return plan
}
