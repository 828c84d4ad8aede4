package model_test

import (
	"testing"

	"github.com/aimtest/aimtest/pkg/model"
)

func TestStageString(t *testing.T) {
	cases := map[model.Stage]string{
		model.StageInitializing: "initializing",
		model.StageDownload:     "download",
		model.StageFailed:       "failed",
		model.Stage(99):         "unknown",
	}
	for stage, want := range cases {
		if got := stage.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", stage, got, want)
		}
	}
}

func TestGradeString(t *testing.T) {
	if got := model.GradeAPlus.String(); got != "A+" {
		t.Errorf("GradeAPlus.String() = %q, want A+", got)
	}
	if got := model.GradeUnknown.String(); got != "Unknown" {
		t.Errorf("GradeUnknown.String() = %q, want Unknown", got)
	}
}

func TestNewSession(t *testing.T) {
	s := model.NewSession("server-1", true, false)
	if s.ID.String() == "" {
		t.Fatal("NewSession produced an empty ID")
	}
	if s.ServerID != "server-1" || !s.AIInsights || s.BinaryProtocol {
		t.Errorf("NewSession did not preserve its flags: %+v", s)
	}
	other := model.NewSession("server-1", true, false)
	if s.ID == other.ID {
		t.Error("two sessions received the same ID")
	}
}

func TestErrorKindString(t *testing.T) {
	err := model.NewError(model.ErrTimeout, "stage exceeded deadline")
	if err.Error() != "timeout: stage exceeded deadline" {
		t.Errorf("Error() = %q", err.Error())
	}
}
