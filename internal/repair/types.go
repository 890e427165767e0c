package repair

import (
	"context"
	"encoding/json"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/cidx-server/depmap/internal/health"
)

// MaxDomainRetries bounds analyzer attempts per domain in one Execute call.
const MaxDomainRetries = 3

// Status is the aggregate outcome of a repair run.
type Status string

const (
	StatusNothingToRepair Status = "nothing_to_repair"
	StatusCompleted       Status = "completed"
	StatusPartial         Status = "partial"
	StatusFailed          Status = "failed"
)

// DomainAnalyzer regenerates one domain document. It must write
// {outputDir}/{entry.Name}.md and report whether it believes it succeeded;
// the executor verifies the result independently.
type DomainAnalyzer func(ctx context.Context, outputDir string, entry domain.Entry,
	domains []domain.Entry, repos []domain.Repo) (bool, error)

// JournalFunc receives one human-readable progress line.
type JournalFunc func(message string)

// Result describes what a repair run did.
type Result struct {
	Status            Status           `json:"status"`
	Fixed             []string         `json:"fixed"`
	Errors            []string         `json:"errors"`
	FinalHealthStatus health.Status    `json:"final_health_status"`
	AnomaliesBefore   int              `json:"anomalies_before"`
	AnomaliesAfter    int              `json:"anomalies_after"`
	Remaining         []health.Anomaly `json:"remaining_anomalies"`

	// repaired counts verified domain regenerations and orphan removals.
	repaired int
}

// ToMap returns the JSON projection of the result as a generic map, for API
// layers that merge it into a larger response.
func (r *Result) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func newResult(report *health.HealthReport) *Result {
	return &Result{
		Fixed:           []string{},
		Errors:          []string{},
		AnomaliesBefore: len(report.Anomalies),
		Remaining:       []health.Anomaly{},
	}
}
