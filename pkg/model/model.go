// Package model contains the data types shared by every stage of a test:
// the orchestrator, the latency prober, the throughput driver, the wire
// codec, and the persistence and insights collaborators.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies a point in a test session's state machine.
type Stage uint8

const (
	StageInitializing Stage = iota
	StageIdleLatency
	StageDownload
	StageUpload
	StageFinalizing
	StageComplete
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInitializing:
		return "initializing"
	case StageIdleLatency:
		return "idle_latency"
	case StageDownload:
		return "download"
	case StageUpload:
		return "upload"
	case StageFinalizing:
		return "finalizing"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Grade is a bufferbloat letter grade, A+ through F.
type Grade uint8

const (
	GradeAPlus Grade = iota
	GradeA
	GradeB
	GradeC
	GradeD
	GradeF
	GradeUnknown
)

func (g Grade) String() string {
	switch g {
	case GradeAPlus:
		return "A+"
	case GradeA:
		return "A"
	case GradeB:
		return "B"
	case GradeC:
		return "C"
	case GradeD:
		return "D"
	case GradeF:
		return "F"
	case GradeUnknown:
		return "Unknown"
	default:
		return "?"
	}
}

// Session is a single test's identity and feature selection, created when
// a client begins a test.
type Session struct {
	ID             uuid.UUID `json:"id"`
	ServerID       string    `json:"server_id"`
	ClientAddr     string    `json:"client_addr,omitempty"`
	StartTime      time.Time `json:"start_time"`
	DurationMs     int       `json:"duration_ms"`
	AIInsights     bool      `json:"ai_insights"`
	BinaryProtocol bool      `json:"binary_protocol"`
}

// NewSession returns a Session with a freshly generated ID and StartTime.
func NewSession(serverID string, aiInsights, binaryProtocol bool) *Session {
	return &Session{
		ID:             uuid.New(),
		ServerID:       serverID,
		StartTime:      time.Now(),
		AIInsights:     aiInsights,
		BinaryProtocol: binaryProtocol,
	}
}

// LatencySample is one round-trip measurement taken by the Latency Prober,
// during either the idle or a loaded stage.
type LatencySample struct {
	Seq       uint32    `json:"seq"`
	RTTMillis float64   `json:"rtt_ms"`
	Stage     Stage     `json:"stage"`
	SentAt    time.Time `json:"sent_at"`
}

// ThroughputInterval is one periodic snapshot emitted by the Throughput
// Driver during a download or upload stage.
type ThroughputInterval struct {
	ElapsedMillis int64   `json:"elapsed_ms"`
	BytesTotal    int64   `json:"bytes_total"`
	MbpsInstant   float64 `json:"mbps_instant"`
}

// LoadedLatencyResult holds the idle and loaded latency summaries and the
// derived bufferbloat grade and RPM.
type LoadedLatencyResult struct {
	IdleAvgMillis     float64 `json:"idle_avg_ms"`
	IdleJitterMillis  float64 `json:"idle_jitter_ms"`
	DownloadAvgMillis float64 `json:"download_avg_ms"`
	UploadAvgMillis   float64 `json:"upload_avg_ms"`
	BufferbloatRatio  float64 `json:"bufferbloat_ratio"`
	BufferbloatGrade  Grade   `json:"bufferbloat_grade"`
	RPMDownload       int     `json:"rpm_download"`
	RPMUpload         int     `json:"rpm_upload"`
}

// UseCaseScore is a single use case's score out of 100, with the factors
// that contributed to it.
type UseCaseScore struct {
	Name              string `json:"name"`
	Score             int    `json:"score"`
	Grade             string `json:"grade"`
	Explanation       string `json:"explanation"`
	PacketLossAssumed bool   `json:"packet_loss_assumed"`
}

// UseCaseScores bundles the four use-case scores the scoring model
// produces, plus an overall mean score and its grade.
type UseCaseScores struct {
	Gaming            UseCaseScore `json:"gaming"`
	Streaming         UseCaseScore `json:"streaming"`
	VideoConferencing UseCaseScore `json:"video_conferencing"`
	Browsing          UseCaseScore `json:"browsing"`
	Overall           int          `json:"overall"`
	OverallGrade      string       `json:"overall_grade"`
}

// TestResult is the final, complete outcome of one test session.
type TestResult struct {
	ID              uuid.UUID            `json:"id"`
	ServerID        string               `json:"server_id"`
	ClientAddr      string               `json:"client_addr,omitempty"`
	StartTime       time.Time            `json:"start_time"`
	EndTime         time.Time            `json:"end_time"`
	DownloadMbps    float64              `json:"download_mbps"`
	UploadMbps      float64              `json:"upload_mbps"`
	LatencyMillis   float64              `json:"latency_ms"`
	JitterMillis    float64              `json:"jitter_ms"`
	LoadedLatency   LoadedLatencyResult  `json:"loaded_latency"`
	Scores          UseCaseScores        `json:"scores"`
	Insights        *AIInsights          `json:"insights,omitempty"`
	Notes           []string             `json:"notes,omitempty"`
	LatencySamples  []LatencySample      `json:"-"`
	DownloadSamples []ThroughputInterval `json:"-"`
	UploadSamples   []ThroughputInterval `json:"-"`
}

// AIInsights is the natural-language commentary an Analyzer collaborator
// may attach to a TestResult.
type AIInsights struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ServerInfo is a static descriptor for a measurement server, as returned
// by the server-list endpoint.
type ServerInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Location  Location `json:"location"`
	Available bool     `json:"available"`
	Load      float64  `json:"load"`
}

// Location is a server's approximate geographic position.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ErrorKind enumerates the error taxonomy a test session can fail with.
type ErrorKind uint8

const (
	ErrInvalidConfig ErrorKind = iota
	ErrResourceExhausted
	ErrTransportLost
	ErrProbeDegraded
	ErrTimeout
	ErrInternal
	ErrInsightsUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidConfig:
		return "invalid_config"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrTransportLost:
		return "transport_lost"
	case ErrProbeDegraded:
		return "probe_degraded"
	case ErrTimeout:
		return "timeout"
	case ErrInternal:
		return "internal"
	case ErrInsightsUnavailable:
		return "insights_unavailable"
	default:
		return "unknown"
	}
}

// Error is the error type carried on a session's error channel.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// NewError returns an *Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
