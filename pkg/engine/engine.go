// Package engine implements the Test Orchestrator: it drives one test
// session's state machine, coordinating a Latency Prober and a
// Throughput Driver during the loaded stages, computing derived metrics,
// and emitting progress frames over the Wire Codec.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aimtest/aimtest/pkg/model"
	"github.com/aimtest/aimtest/pkg/prober"
	"github.com/aimtest/aimtest/pkg/scoring"
	"github.com/aimtest/aimtest/pkg/throughput"
	"github.com/aimtest/aimtest/pkg/wire"
)

var (
	activeTests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aimtest_active_tests",
		Help: "Number of test sessions currently running.",
	})
	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aimtest_sessions_total",
		Help: "Total number of test sessions started.",
	})
	sessionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aimtest_sessions_failed_total",
		Help: "Total number of test sessions that ended in an Error frame, by kind.",
	}, []string{"kind"})
)

// idleStageBudget bounds how long the IdleLatency stage is allowed to run
// even if it never collects its full sample count.
const idleStageBudget = 3 * time.Second

// idleProbeCount is the number of probes the IdleLatency stage targets.
const idleProbeCount = 20

// idleCadence jitters idle-stage probes between 50 and 150 ms apart.
var idleCadence = memoryless.Config{Min: 50 * time.Millisecond, Expected: 75 * time.Millisecond, Max: 150 * time.Millisecond}

// loadedCadence jitters loaded-stage probes around the spec's 500 ms
// cadence.
var loadedCadence = memoryless.Config{Min: 400 * time.Millisecond, Expected: 500 * time.Millisecond, Max: 650 * time.Millisecond}

// Config bounds and tunes one Engine's behavior. The zero value is not
// usable; use DefaultConfig as a starting point.
type Config struct {
	MinDuration           time.Duration
	MaxDuration           time.Duration
	ByteBudget            int64
	MaxConcurrentSessions int
}

// DefaultConfig returns the bounds named in the concurrency and resource
// model: a [5s, 30s] duration window, a 500 MiB per-session byte budget,
// and a cap of 50 concurrent sessions.
func DefaultConfig() Config {
	return Config{
		MinDuration:           5 * time.Second,
		MaxDuration:           30 * time.Second,
		ByteBudget:            500 * 1 << 20,
		MaxConcurrentSessions: 50,
	}
}

// Engine runs test sessions against Config's bounds, using sem (an
// explicit, externally-owned semaphore, never a package-level value) to
// bound concurrency.
type Engine struct {
	cfg Config
	sem chan struct{}
}

// New returns an Engine bound to cfg. The caller constructs and owns the
// semaphore channel so the cap can be shared or tested independently of
// any one Engine instance.
func New(cfg Config, sem chan struct{}) *Engine {
	return &Engine{cfg: cfg, sem: sem}
}

// Start validates a requested test configuration and reserves a
// concurrent-session slot. The caller must eventually call Run with the
// returned session, which releases the slot when it returns.
func (e *Engine) Start(serverID, clientAddr string, durationMs int, aiInsights, binaryProtocol bool) (*model.Session, error) {
	min := int(e.cfg.MinDuration / time.Millisecond)
	max := int(e.cfg.MaxDuration / time.Millisecond)
	if durationMs < min || durationMs > max {
		return nil, model.NewError(model.ErrInvalidConfig,
			fmt.Sprintf("duration_ms must be within [%d, %d], got %d", min, max, durationMs))
	}
	select {
	case e.sem <- struct{}{}:
	default:
		return nil, model.NewError(model.ErrResourceExhausted, "concurrent test cap reached")
	}
	activeTests.Inc()
	sessionsTotal.Inc()
	session := model.NewSession(serverID, aiInsights, binaryProtocol)
	session.ClientAddr = clientAddr
	session.DurationMs = durationMs
	return session, nil
}

// ActiveCount returns the number of session slots currently reserved,
// for the health endpoint's active_tests figure.
func (e *Engine) ActiveCount() int {
	return len(e.sem)
}

func (e *Engine) release() {
	select {
	case <-e.sem:
		activeTests.Dec()
	default:
	}
}

// Release frees the concurrent-session slot Start reserved for session,
// for a caller that reserved via Start but never reaches Run — a pending
// session that expires unclaimed, or a WebSocket upgrade that fails
// before Run begins. Run itself always releases its own slot, so callers
// must call Release at most once per session and only when Run was never
// invoked for it.
func (e *Engine) Release(session *model.Session) {
	e.release()
}

// router forwards inbound Pong and bulk frames to whichever Prober or
// throughput.Recv is active for the current stage.
type router struct {
	mu     sync.Mutex
	prober *prober.Prober
	recv   *throughput.Recv
}

func (r *router) setProber(p *prober.Prober) {
	r.mu.Lock()
	r.prober = p
	r.mu.Unlock()
}

func (r *router) setRecv(rc *throughput.Recv) {
	r.mu.Lock()
	r.recv = rc
	r.mu.Unlock()
}

func (r *router) dispatch(f *wire.Frame) {
	switch f.Kind {
	case wire.KindPong:
		r.mu.Lock()
		p := r.prober
		r.mu.Unlock()
		if p == nil {
			return
		}
		pong, ok := f.Msg.(*wire.PongMessage)
		if !ok {
			return
		}
		p.OnPong(pong.Token, time.Now())
	case wire.KindBulk:
		r.mu.Lock()
		rc := r.recv
		r.mu.Unlock()
		if rc != nil {
			rc.Count(len(f.Bulk))
		}
	}
}

// Run drives session's state machine to completion over conn, which must
// already be an upgraded message-preserving connection. It returns the
// completed TestResult, or an error if the session failed. Run always
// releases the concurrent-session slot reserved by Start, regardless of
// outcome.
func (e *Engine) Run(ctx context.Context, session *model.Session, conn wire.Conn) (*model.TestResult, error) {
	defer e.release()

	codec := wire.NewCodec()
	result := &model.TestResult{
		ID:         session.ID,
		ServerID:   session.ServerID,
		ClientAddr: session.ClientAddr,
		StartTime:  session.StartTime,
	}

	stageDuration := time.Duration(session.DurationMs) * time.Millisecond
	hardDeadline := 2 * (idleStageBudget + 2*stageDuration)
	runCtx, cancel := context.WithTimeout(ctx, hardDeadline)
	defer cancel()

	log.Info("engine: session starting", "id", session.ID, "duration_ms", session.DurationMs)

	first, err := codec.ReadFrame(conn)
	if err != nil {
		return nil, e.fail(codec, conn, model.ErrTransportLost, err.Error(), false)
	}
	if first.Kind != wire.KindStartTest {
		return nil, e.fail(codec, conn, model.ErrInternal, "expected StartTest as first message", true)
	}

	var connErr atomic.Value
	rt := &router{}
	go func() {
		for {
			f, err := codec.ReadFrame(conn)
			if err != nil {
				connErr.Store(err)
				cancel()
				return
			}
			rt.dispatch(f)
		}
	}()

	send := func(token uint32, sentAt time.Time) error {
		return codec.WriteControl(conn, &wire.PingMessage{Kind: wire.KindPing, Token: token, SentAtMillis: sentAt.UnixMilli()})
	}

	e.sendProgress(codec, conn, model.StageInitializing, 0, 0, nil)

	idleSamples, idleDegraded := e.runIdle(runCtx, send, rt)
	if lost, terr := loadErr(&connErr); lost {
		return nil, e.failTransport(terr)
	}
	result.LatencySamples = append(result.LatencySamples, idleSamples...)
	if idleDegraded {
		e.warnProbeDegraded(codec, conn, result, model.StageIdleLatency)
	}

	var chunkSize uint32
	if start, ok := first.Msg.(*wire.StartTestMessage); ok {
		chunkSize = start.ChunkSize
	}
	dlMbps, dlSamples, dlIntervals, dlDegraded := e.runDownload(runCtx, codec, conn, send, rt, stageDuration, chunkSize)
	if lost, terr := loadErr(&connErr); lost {
		return nil, e.failTransport(terr)
	}
	result.LatencySamples = append(result.LatencySamples, dlSamples...)
	result.DownloadSamples = dlIntervals
	result.DownloadMbps = dlMbps
	if dlDegraded {
		e.warnProbeDegraded(codec, conn, result, model.StageDownload)
	}

	ulMbps, ulSamples, ulIntervals, ulDegraded := e.runUpload(runCtx, codec, conn, send, rt, stageDuration)
	if lost, terr := loadErr(&connErr); lost {
		return nil, e.failTransport(terr)
	}
	result.LatencySamples = append(result.LatencySamples, ulSamples...)
	result.UploadSamples = ulIntervals
	result.UploadMbps = ulMbps
	if ulDegraded {
		e.warnProbeDegraded(codec, conn, result, model.StageUpload)
	}

	if runCtx.Err() != nil {
		// Hard deadline exceeded without a transport error: Timeout.
		return nil, e.fail(codec, conn, model.ErrTimeout, "session exceeded its hard deadline", true)
	}

	e.finalize(result, idleSamples, dlSamples, ulSamples)

	if err := codec.WriteControl(conn, &wire.ResultsMessage{Kind: wire.KindResults, Result: toCompactResult(result)}); err != nil {
		log.Debug("engine: failed to send final results frame", "id", session.ID, "error", err)
	}
	log.Info("engine: session complete", "id", session.ID, "overall_score", result.Scores.Overall)
	return result, nil
}

func loadErr(v *atomic.Value) (bool, error) {
	if e := v.Load(); e != nil {
		return true, e.(error)
	}
	return false, nil
}

func (e *Engine) failTransport(err error) error {
	sessionsFailedTotal.WithLabelValues(model.ErrTransportLost.String()).Inc()
	msg := "transport closed"
	if err != nil {
		msg = err.Error()
	}
	return model.NewError(model.ErrTransportLost, msg)
}

// fail emits a terminal Error frame (best-effort, ignoring write failures
// since the transport may itself be the problem) and returns the
// corresponding *model.Error. When sendFrame is false, no frame is
// attempted — used when the transport is already known to be gone.
func (e *Engine) fail(codec *wire.Codec, conn wire.Conn, kind model.ErrorKind, msg string, sendFrame bool) error {
	sessionsFailedTotal.WithLabelValues(kind.String()).Inc()
	if sendFrame {
		_ = codec.WriteControl(conn, &wire.ErrorMessage{Kind: wire.KindError, ErrorKind: uint8(kind), Message: msg})
	}
	return model.NewError(kind, msg)
}

// warnProbeDegraded sends a non-terminal ErrProbeDegraded warning frame
// and appends a matching note to result. The session is not failed and
// the stage's samples, however few, are kept.
func (e *Engine) warnProbeDegraded(codec *wire.Codec, conn wire.Conn, result *model.TestResult, stage model.Stage) {
	note := fmt.Sprintf("ProbeDegraded: %s stage latency probe degraded after repeated send failures", stage)
	result.Notes = append(result.Notes, note)
	if err := codec.WriteControl(conn, &wire.ErrorMessage{Kind: wire.KindError, ErrorKind: uint8(model.ErrProbeDegraded), Message: note}); err != nil {
		log.Debug("engine: failed to send ProbeDegraded warning frame", "stage", stage, "error", err)
	}
}

func (e *Engine) runIdle(ctx context.Context, send prober.Sender, rt *router) (samples []model.LatencySample, degraded bool) {
	stageCtx, stageCancel := context.WithTimeout(ctx, idleStageBudget)
	defer stageCancel()

	p := prober.New(model.StageIdleLatency, send, idleCadence, idleProbeCount)
	rt.setProber(p)
	defer rt.setProber(nil)

	go p.Run(stageCtx)
	select {
	case <-p.Filled():
	case <-stageCtx.Done():
	}
	return p.Samples(), p.Degraded()
}

func (e *Engine) runDownload(ctx context.Context, codec *wire.Codec, conn wire.Conn,
	send prober.Sender, rt *router, duration time.Duration, chunkSize uint32) (mbps float64, samples []model.LatencySample, intervals []model.ThroughputInterval, degraded bool) {
	stageCtx, stageCancel := context.WithTimeout(ctx, duration)
	defer stageCancel()

	p := prober.New(model.StageDownload, send, loadedCadence, 0)
	rt.setProber(p)
	defer rt.setProber(nil)
	go p.Run(stageCtx)

	driver := throughput.NewWithChunkSize(e.cfg.ByteBudget, chunkSize)
	writer := throughput.NewCodecWriter(codec, conn)
	start := time.Now()
	ch := driver.Send(stageCtx, writer, start)
	for iv := range ch {
		intervals = append(intervals, iv)
		pct := stagePercent(iv.ElapsedMillis, duration)
		e.sendProgress(codec, conn, model.StageDownload, pct, iv.MbpsInstant, latestSample(p.Samples()))
	}
	return throughput.AverageMbps(intervals), p.Samples(), intervals, p.Degraded()
}

func (e *Engine) runUpload(ctx context.Context, codec *wire.Codec, conn wire.Conn,
	send prober.Sender, rt *router, duration time.Duration) (mbps float64, samples []model.LatencySample, intervals []model.ThroughputInterval, degraded bool) {
	stageCtx, stageCancel := context.WithTimeout(ctx, duration)
	defer stageCancel()

	p := prober.New(model.StageUpload, send, loadedCadence, 0)
	rt.setProber(p)
	defer rt.setProber(nil)
	go p.Run(stageCtx)

	begin := &wire.BeginUploadMessage{
		Kind:           wire.KindBeginUpload,
		BytesGoal:      e.cfg.ByteBudget,
		DeadlineMillis: duration.Milliseconds(),
	}
	if err := codec.WriteControl(conn, begin); err != nil {
		return 0, p.Samples(), nil, p.Degraded()
	}

	start := time.Now()
	recv := throughput.NewRecv(start)
	rt.setRecv(recv)
	defer rt.setRecv(nil)

	ch := recv.Run(stageCtx)
	for iv := range ch {
		intervals = append(intervals, iv)
		pct := stagePercent(iv.ElapsedMillis, duration)
		e.sendProgress(codec, conn, model.StageUpload, pct, iv.MbpsInstant, latestSample(p.Samples()))
	}
	_ = codec.WriteControl(conn, &wire.EndUploadMessage{Kind: wire.KindEndUpload})
	return throughput.AverageMbps(intervals), p.Samples(), intervals, p.Degraded()
}

func (e *Engine) sendProgress(codec *wire.Codec, conn wire.Conn, stage model.Stage, pct int, mbps float64, latest *model.LatencySample) {
	msg := &wire.ProgressMessage{
		Kind:            wire.KindProgress,
		Stage:           uint8(stage),
		PercentComplete: uint8(pct),
		CurrentMbps:     float32(mbps),
	}
	if latest != nil {
		msg.CurrentLatencyMs = float32(latest.RTTMillis)
	}
	if err := codec.WriteControl(conn, msg); err != nil {
		log.Debug("engine: failed to send progress frame", "stage", stage, "error", err)
	}
}

func stagePercent(elapsedMs int64, duration time.Duration) int {
	durationMs := duration.Milliseconds()
	if durationMs <= 0 {
		return 100
	}
	pct := int(elapsedMs * 100 / durationMs)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func latestSample(samples []model.LatencySample) *model.LatencySample {
	if len(samples) == 0 {
		return nil
	}
	s := samples[len(samples)-1]
	return &s
}

// average returns the arithmetic mean of samples' RTTs. Per the spec, a
// stage's average is undefined with fewer than 3 samples.
func average(samples []model.LatencySample) (float64, bool) {
	if len(samples) < 3 {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += s.RTTMillis
	}
	return sum / float64(len(samples)), true
}

// jitter is the mean absolute difference between consecutive idle-stage
// samples.
func jitter(samples []model.LatencySample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i].RTTMillis - samples[i-1].RTTMillis)
	}
	return sum / float64(len(samples)-1)
}

func (e *Engine) finalize(result *model.TestResult, idle, download, upload []model.LatencySample) {
	idleAvg, idleOK := average(idle)
	dlAvg, dlOK := average(download)
	ulAvg, ulOK := average(upload)
	jitterMs := jitter(idle)

	ratio, grade := scoring.BufferbloatGrade(idleAvg, dlAvg, ulAvg, idleOK, dlOK, ulOK)

	result.LatencyMillis = idleAvg
	result.JitterMillis = jitterMs
	result.LoadedLatency = model.LoadedLatencyResult{
		IdleAvgMillis:     idleAvg,
		IdleJitterMillis:  jitterMs,
		DownloadAvgMillis: dlAvg,
		UploadAvgMillis:   ulAvg,
		BufferbloatRatio:  ratio,
		BufferbloatGrade:  grade,
		RPMDownload:       scoring.RPM(dlAvg),
		RPMUpload:         scoring.RPM(ulAvg),
	}
	result.Scores = scoring.All(scoring.Input{
		DownloadMbps:     result.DownloadMbps,
		UploadMbps:       result.UploadMbps,
		JitterMs:         jitterMs,
		IdleAvgMs:        idleAvg,
		DownloadLoadedMs: dlAvg,
		UploadLoadedMs:   ulAvg,
	})
	result.EndTime = time.Now()
}

func toCompactResult(r *model.TestResult) wire.CompactResult {
	return wire.CompactResult{
		DownloadMbps:        float32(r.DownloadMbps),
		UploadMbps:          float32(r.UploadMbps),
		LatencyMs:           float32(r.LatencyMillis),
		JitterMs:            float32(r.JitterMillis),
		BufferbloatGrade:    uint8(r.LoadedLatency.BufferbloatGrade),
		BufferbloatRatioX10: int16(r.LoadedLatency.BufferbloatRatio * 10),
		GamingScore:         uint8(r.Scores.Gaming.Score),
		StreamingScore:      uint8(r.Scores.Streaming.Score),
		VideoConfScore:      uint8(r.Scores.VideoConferencing.Score),
		BrowsingScore:       uint8(r.Scores.Browsing.Score),
		OverallScore:        uint8(r.Scores.Overall),
	}
}
