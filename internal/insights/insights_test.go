package insights_test

import (
	"context"
	"testing"

	"github.com/aimtest/aimtest/internal/insights"
	"github.com/aimtest/aimtest/pkg/model"
)

func TestNoopAnalyzerReportsUnavailable(t *testing.T) {
	var a insights.Analyzer = insights.NoopAnalyzer{}
	_, err := a.Analyze(context.Background(), &model.TestResult{}, true)
	if err == nil {
		t.Fatal("NoopAnalyzer.Analyze should always return an error")
	}
	merr, ok := err.(*model.Error)
	if !ok {
		t.Fatalf("err is %T, want *model.Error", err)
	}
	if merr.Kind != model.ErrInsightsUnavailable {
		t.Errorf("err.Kind = %v, want ErrInsightsUnavailable", merr.Kind)
	}
}
