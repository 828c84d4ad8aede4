package scoring_test

import (
	"testing"

	"github.com/aimtest/aimtest/pkg/model"
	"github.com/aimtest/aimtest/pkg/scoring"
)

func TestBufferbloatGradeBands(t *testing.T) {
	cases := []struct {
		name               string
		idle, dl, ul       float64
		idleOK, dlOK, ulOK bool
		want               model.Grade
	}{
		{"excellent", 10, 12, 11, true, true, true, model.GradeAPlus},
		{"good", 10, 18, 10, true, true, true, model.GradeA},
		{"fair", 10, 25, 10, true, true, true, model.GradeB},
		{"poor", 10, 45, 10, true, true, true, model.GradeC},
		{"bad", 10, 95, 10, true, true, true, model.GradeD},
		{"terrible", 10, 150, 10, true, true, true, model.GradeF},
		{"idle-undefined", 0, 45, 10, false, true, true, model.GradeUnknown},
		{"neither-loaded-defined", 10, 0, 0, true, false, false, model.GradeUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, grade := scoring.BufferbloatGrade(c.idle, c.dl, c.ul, c.idleOK, c.dlOK, c.ulOK)
			if grade != c.want {
				t.Errorf("BufferbloatGrade() = %v, want %v", grade, c.want)
			}
		})
	}
}

func TestRPM(t *testing.T) {
	if got := scoring.RPM(20); got != 3000 {
		t.Errorf("RPM(20) = %d, want 3000", got)
	}
	if got := scoring.RPM(0); got != 0 {
		t.Errorf("RPM(0) = %d, want 0", got)
	}
	if got := scoring.RPM(-5); got != 0 {
		t.Errorf("RPM(-5) = %d, want 0", got)
	}
}

func TestGamingRewardsLowLatencyHighly(t *testing.T) {
	good := scoring.Gaming(scoring.Input{DownloadLoadedMs: 15, UploadLoadedMs: 15, JitterMs: 2, DownloadMbps: 50})
	bad := scoring.Gaming(scoring.Input{DownloadLoadedMs: 200, UploadLoadedMs: 200, JitterMs: 60, DownloadMbps: 2})
	if good.Score <= bad.Score {
		t.Errorf("low-latency connection scored %d, high-latency scored %d; want good > bad", good.Score, bad.Score)
	}
	if !good.PacketLossAssumed {
		t.Error("Gaming() with nil PacketLossPct should assume best-case packet loss")
	}
}

func TestPacketLossMeasuredOverridesAssumption(t *testing.T) {
	loss := 5.0
	score := scoring.Gaming(scoring.Input{DownloadLoadedMs: 15, UploadLoadedMs: 15, JitterMs: 2, DownloadMbps: 50, PacketLossPct: &loss})
	if score.PacketLossAssumed {
		t.Error("PacketLossAssumed should be false when a measurement is supplied")
	}
}

func TestAllComputesOverallAsMean(t *testing.T) {
	in := scoring.Input{DownloadMbps: 80, UploadMbps: 20, JitterMs: 5, IdleAvgMs: 15, DownloadLoadedMs: 25, UploadLoadedMs: 25}
	scores := scoring.All(in)
	sum := scores.Gaming.Score + scores.Streaming.Score + scores.VideoConferencing.Score + scores.Browsing.Score
	want := sum / 4
	if scores.Overall < want-1 || scores.Overall > want+1 {
		t.Errorf("Overall = %d, want close to mean %d", scores.Overall, want)
	}
	if scores.OverallGrade != scoring.Grade(scores.Overall) {
		t.Errorf("OverallGrade = %q, want %q", scores.OverallGrade, scoring.Grade(scores.Overall))
	}
}
