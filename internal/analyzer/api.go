package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
)

// AICaller is the part of ai.Client the API analyzer needs.
type AICaller interface {
	CallAI(ctx context.Context, prompt string, operation string, model string, maxTokens int) (string, error)
	HealthCheck() error
}

// APIAnalyzer regenerates domain documents through the Anthropic API.
type APIAnalyzer struct {
	caller    AICaller
	model     string
	maxTokens int
	now       func() time.Time
}

// NewAPIAnalyzer creates an analyzer. Empty model and zero maxTokens use the
// client defaults.
func NewAPIAnalyzer(caller AICaller, model string, maxTokens int) *APIAnalyzer {
	return &APIAnalyzer{
		caller:    caller,
		model:     model,
		maxTokens: maxTokens,
		now:       time.Now,
	}
}

// Analyze writes {outputDir}/{entry.Name}.md from the model's answer.
func (a *APIAnalyzer) Analyze(ctx context.Context, outputDir string, entry domain.Entry,
	domains []domain.Entry, repos []domain.Repo) (bool, error) {

	// An open circuit fails the attempt without building a prompt.
	if err := a.caller.HealthCheck(); err != nil {
		return false, err
	}

	prompt := BuildPrompt(entry, domains, repos)
	raw, err := a.caller.CallAI(ctx, prompt, "domain-analysis:"+entry.Name, a.model, a.maxTokens)
	if err != nil {
		return false, err
	}
	return writeDocument(outputDir, entry, raw, a.now())
}

func writeDocument(outputDir string, entry domain.Entry, raw string, now time.Time) (bool, error) {
	if !domain.IsValidName(entry.Name) {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidName, entry.Name)
	}
	doc, err := Normalize(raw, entry, now)
	if err != nil {
		return false, err
	}
	path := domain.DomainPath(outputDir, entry.Name)
	if err := domain.WriteFileAtomic(path, []byte(doc), 0644); err != nil {
		return false, fmt.Errorf("writing %s: %w", domain.DomainFileName(entry.Name), err)
	}
	return true, nil
}
