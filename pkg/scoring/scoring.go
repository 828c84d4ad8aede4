// Package scoring computes the bufferbloat grade and the use-case quality
// scores from a completed test's raw and loaded-latency metrics. Every
// component-to-points mapping is a data table, never an if/else chain, so
// the grading stays auditable.
package scoring

import (
	"math"

	"github.com/aimtest/aimtest/pkg/model"
)

// step is one row of a piecewise score table: "if the metric is below (or
// at least, depending on table orientation) Threshold, award Points."
type step struct {
	Threshold float64
	Points    float64
}

// belowTable evaluates a table whose rows are meant to be read in
// ascending-threshold order (used for latency- and jitter-like metrics,
// where smaller is better). The last row's Threshold must be +Inf to
// serve as the catch-all "else" case.
func belowTable(value float64, table []step) float64 {
	for _, s := range table {
		if value < s.Threshold {
			return s.Points
		}
	}
	return table[len(table)-1].Points
}

// atLeastTable evaluates a table whose rows are in descending-threshold
// order (used for speed-like metrics, where larger is better). The last
// row's Threshold must be -Inf to serve as the catch-all "else" case.
func atLeastTable(value float64, table []step) float64 {
	for _, s := range table {
		if value >= s.Threshold {
			return s.Points
		}
	}
	return table[len(table)-1].Points
}

var (
	// gamingLatencyTable: download/upload-loaded latency, 50 points.
	gamingLatencyTable = []step{
		{20, 50}, {50, 45}, {80, 35}, {100, 25}, {150, 15}, {math.Inf(1), 5},
	}
	// jitterTable25pt: jitter, 25 points. Shared by gaming and, per its
	// matching weight, video-conferencing.
	jitterTable25pt = []step{
		{5, 25}, {15, 20}, {30, 15}, {math.Inf(1), 5},
	}
	// gamingPacketLossTable: packet loss, 15 points.
	gamingPacketLossTable = []step{
		{0.1, 15}, {1.0, 10}, {3.0, 5}, {math.Inf(1), 0},
	}
	// gamingSpeedTable: download speed, 10 points.
	gamingSpeedTable = []step{
		{25, 10}, {10, 8}, {5, 5}, {math.Inf(-1), 2},
	}

	// speedTable40pt: download speed, 40 points. Shared by streaming and
	// browsing, which both weight download speed at 40.
	speedTable40pt = []step{
		{100, 40}, {50, 36}, {25, 32}, {15, 26}, {10, 20}, {5, 12}, {math.Inf(-1), 4},
	}
	// streamingLatencyTable: download-loaded latency, 30 points.
	streamingLatencyTable = []step{
		{50, 30}, {100, 25}, {200, 20}, {math.Inf(1), 10},
	}
	// streamingJitterTable: jitter, 20 points.
	streamingJitterTable = []step{
		{10, 20}, {30, 15}, {50, 10}, {math.Inf(1), 5},
	}
	// packetLossTable10pt: packet loss, 10 points. Shared by streaming and
	// browsing; scaled down from gamingPacketLossTable in proportion to the
	// smaller weight.
	packetLossTable10pt = []step{
		{0.1, 10}, {1.0, 7}, {3.0, 3}, {math.Inf(1), 0},
	}

	// videoUploadSpeedTable: upload speed, 30 points.
	videoUploadSpeedTable = []step{
		{20, 30}, {10, 27}, {5, 22}, {3, 16}, {1.5, 10}, {math.Inf(-1), 3},
	}
	// videoUploadLatencyTable: upload-loaded latency, 30 points.
	videoUploadLatencyTable = []step{
		{30, 30}, {80, 25}, {150, 18}, {250, 10}, {math.Inf(1), 3},
	}
	// videoDownloadSpeedTable: download speed, 15 points.
	videoDownloadSpeedTable = []step{
		{10, 15}, {5, 12}, {2.5, 8}, {math.Inf(-1), 3},
	}

	// browsingIdleLatencyTable: idle latency, 40 points.
	browsingIdleLatencyTable = []step{
		{20, 40}, {50, 35}, {100, 28}, {200, 15}, {math.Inf(1), 5},
	}
	// browsingJitterTable: jitter, 10 points. Scaled down from
	// streamingJitterTable in proportion to the smaller weight.
	browsingJitterTable = []step{
		{10, 10}, {30, 8}, {50, 5}, {math.Inf(1), 3},
	}
)

// Input is the raw and loaded-latency metrics the scoring model consumes.
// PacketLossPct is nil when no packet-loss measurement is available, in
// which case every use case awards its packet-loss allocation in full.
type Input struct {
	DownloadMbps     float64
	UploadMbps       float64
	JitterMs         float64
	IdleAvgMs        float64
	DownloadLoadedMs float64
	UploadLoadedMs   float64
	PacketLossPct    *float64
}

func packetLoss(maxPoints float64, table []step, in Input) (points float64, assumed bool) {
	if in.PacketLossPct == nil {
		return maxPoints, true
	}
	return belowTable(*in.PacketLossPct, table), false
}

// Grade returns the textual quality grade for a score in [0,100].
func Grade(score int) string {
	switch {
	case score >= 90:
		return "Excellent"
	case score >= 75:
		return "Good"
	case score >= 60:
		return "Fair"
	case score >= 40:
		return "Poor"
	default:
		return "Very Poor"
	}
}

func clampScore(f float64) int {
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return int(math.Round(f))
}

// Gaming scores a connection for competitive online gaming: loaded
// latency dominates, followed by jitter, packet loss, then speed.
func Gaming(in Input) model.UseCaseScore {
	worstLatency := math.Max(in.DownloadLoadedMs, in.UploadLoadedMs)
	latencyPts := belowTable(worstLatency, gamingLatencyTable)
	jitterPts := belowTable(in.JitterMs, jitterTable25pt)
	lossPts, assumed := packetLoss(15, gamingPacketLossTable, in)
	speedPts := atLeastTable(in.DownloadMbps, gamingSpeedTable)

	total := latencyPts + jitterPts + lossPts + speedPts
	score := clampScore(total)
	return model.UseCaseScore{
		Name:              "gaming",
		Score:             score,
		Grade:             Grade(score),
		Explanation:       "Weighted on loaded latency (50), jitter (25), packet loss (15), download speed (10).",
		PacketLossAssumed: assumed,
	}
}

// Streaming scores a connection for video streaming: download speed
// dominates, followed by download-loaded latency, jitter, packet loss.
func Streaming(in Input) model.UseCaseScore {
	speedPts := atLeastTable(in.DownloadMbps, speedTable40pt)
	latencyPts := belowTable(in.DownloadLoadedMs, streamingLatencyTable)
	jitterPts := belowTable(in.JitterMs, streamingJitterTable)
	lossPts, assumed := packetLoss(10, packetLossTable10pt, in)

	total := speedPts + latencyPts + jitterPts + lossPts
	score := clampScore(total)
	return model.UseCaseScore{
		Name:              "streaming",
		Score:             score,
		Grade:             Grade(score),
		Explanation:       "Weighted on download speed (40), download-loaded latency (30), jitter (20), packet loss (10).",
		PacketLossAssumed: assumed,
	}
}

// VideoConferencing scores a connection for real-time video calls:
// upload speed and upload-loaded latency dominate, followed by jitter and
// download speed.
func VideoConferencing(in Input) model.UseCaseScore {
	uploadPts := atLeastTable(in.UploadMbps, videoUploadSpeedTable)
	latencyPts := belowTable(in.UploadLoadedMs, videoUploadLatencyTable)
	jitterPts := belowTable(in.JitterMs, jitterTable25pt)
	downloadPts := atLeastTable(in.DownloadMbps, videoDownloadSpeedTable)

	total := uploadPts + latencyPts + jitterPts + downloadPts
	score := clampScore(total)
	return model.UseCaseScore{
		Name:        "video_conferencing",
		Score:       score,
		Grade:       Grade(score),
		Explanation: "Weighted on upload speed (30), upload-loaded latency (30), jitter (25), download speed (15).",
	}
}

// Browsing scores a connection for general web browsing: download speed
// and idle latency dominate, followed by jitter and packet loss.
func Browsing(in Input) model.UseCaseScore {
	speedPts := atLeastTable(in.DownloadMbps, speedTable40pt)
	latencyPts := belowTable(in.IdleAvgMs, browsingIdleLatencyTable)
	jitterPts := belowTable(in.JitterMs, browsingJitterTable)
	lossPts, assumed := packetLoss(10, packetLossTable10pt, in)

	total := speedPts + latencyPts + jitterPts + lossPts
	score := clampScore(total)
	return model.UseCaseScore{
		Name:              "browsing",
		Score:             score,
		Grade:             Grade(score),
		Explanation:       "Weighted on download speed (40), idle latency (40), jitter (10), packet loss (10).",
		PacketLossAssumed: assumed,
	}
}

// All computes all four use-case scores and the overall mean.
func All(in Input) model.UseCaseScores {
	gaming := Gaming(in)
	streaming := Streaming(in)
	video := VideoConferencing(in)
	browsing := Browsing(in)

	overall := clampScore(float64(gaming.Score+streaming.Score+video.Score+browsing.Score) / 4.0)
	return model.UseCaseScores{
		Gaming:            gaming,
		Streaming:         streaming,
		VideoConferencing: video,
		Browsing:          browsing,
		Overall:           overall,
		OverallGrade:      Grade(overall),
	}
}

// bufferbloatBands maps a ratio to a grade, in ascending-threshold order.
var bufferbloatBands = []struct {
	Threshold float64
	Grade     model.Grade
}{
	{1.5, model.GradeAPlus},
	{2.0, model.GradeA},
	{3.0, model.GradeB},
	{5.0, model.GradeC},
	{10.0, model.GradeD},
	{math.Inf(1), model.GradeF},
}

// BufferbloatGrade computes the bufferbloat ratio and grade from the
// idle, download-loaded, and upload-loaded averages. idleDefined,
// downloadDefined, and uploadDefined reflect whether each stage had
// enough samples (≥3) to produce a meaningful average; when idle is
// undefined, or neither loaded stage is defined, the grade is Unknown.
func BufferbloatGrade(idleAvg, downloadAvg, uploadAvg float64, idleDefined, downloadDefined, uploadDefined bool) (ratio float64, grade model.Grade) {
	if !idleDefined || idleAvg <= 0 || (!downloadDefined && !uploadDefined) {
		return 0, model.GradeUnknown
	}
	ratio = 0
	if downloadDefined {
		ratio = math.Max(ratio, downloadAvg/idleAvg)
	}
	if uploadDefined {
		ratio = math.Max(ratio, uploadAvg/idleAvg)
	}
	for _, b := range bufferbloatBands {
		if ratio < b.Threshold {
			return ratio, b.Grade
		}
	}
	return ratio, model.GradeF
}

// RPM returns the responsiveness-per-minute metric: 60000 / latency_ms,
// floored to an integer, or 0 when latency_ms is non-positive.
func RPM(latencyMs float64) int {
	if latencyMs <= 0 {
		return 0
	}
	return int(math.Floor(60000 / latencyMs))
}
