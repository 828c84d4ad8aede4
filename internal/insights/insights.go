// Package insights implements the AI-insights collaborator: an optional,
// narrow seam for attaching natural-language commentary to a completed
// test result. The core engine never depends on this package; callers
// invoke it after a test completes and treat its absence as non-fatal.
package insights

import (
	"context"

	"github.com/aimtest/aimtest/pkg/model"
)

// Analyzer produces AIInsights for a completed result. detailed requests
// a longer-form analysis over a brief summary.
type Analyzer interface {
	Analyze(ctx context.Context, result *model.TestResult, detailed bool) (*model.AIInsights, error)
}

// NoopAnalyzer is the default Analyzer: no external insights provider is
// configured, so every call reports ErrInsightsUnavailable rather than
// fabricating commentary.
type NoopAnalyzer struct{}

// Analyze always returns an ErrInsightsUnavailable error.
func (NoopAnalyzer) Analyze(ctx context.Context, result *model.TestResult, detailed bool) (*model.AIInsights, error) {
	return nil, model.NewError(model.ErrInsightsUnavailable, "no insights provider configured")
}
