// Package httpapi wires the REST and WebSocket surface onto the Test
// Orchestrator, following the teacher's upgrade-then-run handler shape:
// validate the request, upgrade the connection, run the protocol to
// completion, then (optionally) analyze and persist the result.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/aimtest/aimtest/internal/insights"
	"github.com/aimtest/aimtest/internal/netx"
	"github.com/aimtest/aimtest/internal/store"
	"github.com/aimtest/aimtest/pkg/engine"
	"github.com/aimtest/aimtest/pkg/model"
)

// secWebSocketProtocol is the subprotocol clients must advertise to
// reach the enhanced-test WebSocket endpoint.
const secWebSocketProtocol = "net.aimtest.enhanced-v1"

// Version is the reported build version; overridden at link time with
// -ldflags "-X .../httpapi.Version=..." in a real release build.
var Version = "dev"

// API bundles the collaborators the HTTP surface needs: the Test
// Orchestrator, the persistence Store, and the AI-insights Analyzer.
type API struct {
	engine    *engine.Engine
	store     store.Store
	analyzer  insights.Analyzer
	servers   []model.ServerInfo
	upgrader  websocket.Upgrader
	startedAt time.Time
	pending   *pendingSessions
}

// New returns an API wired to the given collaborators. servers is the
// static list served from /api/servers.
func New(e *engine.Engine, s store.Store, a insights.Analyzer, servers []model.ServerInfo) *API {
	return &API{
		engine:    e,
		store:     s,
		analyzer:  a,
		servers:   servers,
		startedAt: time.Now(),
		pending:   newPendingSessions(e),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// Mux returns an http.Handler with every endpoint registered, using the
// standard library's pattern-based routing.
func (a *API) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/test/enhanced/start", a.handleStart)
	mux.HandleFunc("GET /ws/enhanced/{id}", a.handleWS)
	mux.HandleFunc("GET /api/test/enhanced/{id}", a.handleFetch)
	mux.HandleFunc("GET /api/test/history", a.handleHistory)
	mux.HandleFunc("GET /api/servers", a.handleServers)
	mux.HandleFunc("GET /api/health", a.handleHealth)
	return mux
}

type startRequest struct {
	ServerID       string `json:"server_id"`
	DurationMs     int    `json:"duration_ms"`
	AIInsights     bool   `json:"ai_insights"`
	BinaryProtocol bool   `json:"binary_protocol"`
}

type startResponse struct {
	TestID       string `json:"test_id"`
	ServerID     string `json:"server_id"`
	WebsocketURL string `json:"websocket_url"`
}

func (a *API) handleStart(rw http.ResponseWriter, req *http.Request) {
	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(rw, model.NewError(model.ErrInvalidConfig, "malformed request body"))
		return
	}
	if body.ServerID == "" {
		body.ServerID = defaultServerID
	}
	session, err := a.engine.Start(body.ServerID, req.RemoteAddr, body.DurationMs, body.AIInsights, body.BinaryProtocol)
	if err != nil {
		writeError(rw, err)
		return
	}
	a.pending.put(session)
	writeJSON(rw, http.StatusOK, startResponse{
		TestID:       session.ID.String(),
		ServerID:     session.ServerID,
		WebsocketURL: "/ws/enhanced/" + session.ID.String(),
	})
}

func (a *API) handleWS(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	session := a.pending.take(id)
	if session == nil {
		http.Error(rw, "unknown or already-started test id", http.StatusNotFound)
		return
	}
	if req.Header.Get("Sec-WebSocket-Protocol") != secWebSocketProtocol {
		a.engine.Release(session)
		http.Error(rw, "missing Sec-WebSocket-Protocol header", http.StatusBadRequest)
		return
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", secWebSocketProtocol)
	conn, err := a.upgrader.Upgrade(rw, req, h)
	if err != nil {
		a.engine.Release(session)
		log.Error("httpapi: websocket upgrade failed", "id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx := req.Context()
	result, err := a.engine.Run(ctx, session, conn)
	if err != nil {
		log.Info("httpapi: session ended without a result", "id", id, "error", err)
		return
	}

	if ci, ok := conn.UnderlyingConn().(*netx.Conn); ok {
		if cc, err := ci.GetCC(); err == nil {
			result.Notes = append(result.Notes, "congestion_control="+cc)
		}
	}

	if session.AIInsights {
		if ai, err := a.analyzer.Analyze(ctx, result, true); err != nil {
			log.Debug("httpapi: insights unavailable", "id", id, "error", err)
		} else {
			result.Insights = ai
		}
	}
	if err := a.store.Save(ctx, result); err != nil {
		log.Error("httpapi: failed to persist result", "id", id, "error", err)
	}
}

func (a *API) handleFetch(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	includeAI := req.URL.Query().Get("include_ai") == "true"
	result, err := a.store.Fetch(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(rw, "unknown test id", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(rw, err)
		return
	}
	if !includeAI {
		stripped := *result
		stripped.Insights = nil
		writeJSON(rw, http.StatusOK, &stripped)
		return
	}
	writeJSON(rw, http.StatusOK, result)
}

func (a *API) handleHistory(rw http.ResponseWriter, req *http.Request) {
	results, err := a.store.Recent(req.Context(), 20)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, results)
}

func (a *API) handleServers(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, a.servers)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveTests   int    `json:"active_tests"`
}

func (a *API) handleHealth(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		ActiveTests:   a.engine.ActiveCount(),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	kind := model.ErrInternal
	msg := err.Error()
	if merr, ok := err.(*model.Error); ok {
		kind = merr.Kind
		msg = merr.Message
	}
	writeJSON(rw, statusFor(kind), map[string]string{"error": kind.String(), "message": msg})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.ErrInvalidConfig:
		return http.StatusBadRequest
	case model.ErrResourceExhausted:
		return http.StatusServiceUnavailable
	case model.ErrTransportLost:
		return http.StatusBadGateway
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	case model.ErrInsightsUnavailable:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

const defaultServerID = "aimtest-1"

// pendingSessions holds sessions created by handleStart until the client
// opens the corresponding WebSocket, bounded by a short expiry so an
// abandoned start never leaks memory or a concurrent-session slot. One
// instance lives per API, not a package-level value, matching the "no
// global mutable state" design note.
type pendingSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	engine   *engine.Engine
}

func newPendingSessions(e *engine.Engine) *pendingSessions {
	return &pendingSessions{sessions: make(map[string]*model.Session), engine: e}
}

func (p *pendingSessions) put(s *model.Session) {
	id := s.ID.String()
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()
	time.AfterFunc(30*time.Second, func() { p.expire(id) })
}

func (p *pendingSessions) take(id string) *model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil
	}
	delete(p.sessions, id)
	return s
}

// expire drops an unclaimed session and releases the engine slot Start
// reserved for it. If the client already opened the WebSocket, take has
// already removed the entry and this is a no-op: the slot is then
// Run's to release, not expire's.
func (p *pendingSessions) expire(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if ok {
		p.engine.Release(s)
	}
}
