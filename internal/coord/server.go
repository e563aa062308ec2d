package coord

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/config"
	"github.com/user/stratoq/pkg/authtoken"
	"github.com/user/stratoq/pkg/peer"
	"github.com/user/stratoq/pkg/wire"
)

func parseQueryID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("query_id")
	if raw == "" {
		return 0, fmt.Errorf("coord: missing query_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("coord: invalid query_id: %w", err)
	}
	return id, nil
}

// Server is the coordinator's HTTP API:
// worker callbacks (queryjob-ready, queryjob-error, workerczarcomissue),
// operational reads (config/status/query-progress), and the client-facing
// submit/cancel/progress-stream surface stratoqctl talks to.
type Server struct {
	dispatch *Dispatcher
	peers    *PeerManager
	admin    *authtoken.AdminIssuer
	cfg      *config.CoordinatorConfig
	logger   stratoq.Logger
	authKey  string

	mu          sync.Mutex
	subscribers map[chan ProgressView]struct{}
}

func NewServer(dispatch *Dispatcher, peers *PeerManager, admin *authtoken.AdminIssuer, cfg *config.CoordinatorConfig, logger stratoq.Logger) *Server {
	s := &Server{
		dispatch: dispatch, peers: peers, admin: admin, cfg: cfg, logger: logger,
		authKey:     cfg.Auth.AuthKey,
		subscribers: make(map[chan ProgressView]struct{}),
	}
	dispatch.OnProgress(s.broadcast)
	return s
}

// Mux builds the routing table using the "METHOD /path" ServeMux
// registration style.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queryjob-ready", s.handleQueryJobReady)
	mux.HandleFunc("POST /queryjob-error", s.handleQueryJobError)
	mux.HandleFunc("POST /workerczarcomissue", s.handleComIssue)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /query-progress", s.handleQueryProgress)
	mux.HandleFunc("GET /query-progress/stream", s.handleQueryProgressStream)
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) checkAuth(env wire.Envelope) bool {
	if !wire.SupportedVersion(env.Version) {
		return false
	}
	return authtoken.CheckAuthKey(s.authKey, env.AuthKey)
}

// handleQueryJobReady implements POST /queryjob-ready: idempotent on
// (queryid, uberjobid), response drives the owning BundleSender.
func (s *Server) handleQueryJobReady(w http.ResponseWriter, r *http.Request) {
	var req wire.QueryJobReady
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("coord: decode queryjob-ready", nil))
		return
	}
	if !s.checkAuth(req.Envelope) {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("coord: auth rejected", nil))
		return
	}
	qs := s.dispatch.lookup(int64(req.QueryID))
	if qs == nil {
		s.writeJSON(w, http.StatusOK, wire.Fail("coord: unknown query", nil))
		return
	}
	qs.mu.Lock()
	sender, ok := qs.bundles[int64(req.UberJobID)]
	qs.mu.Unlock()
	if !ok {
		s.writeJSON(w, http.StatusOK, wire.Fail("coord: unknown bundle", nil))
		return
	}
	resp := sender.OnResultReady(req.FileURL, int64(req.RowCount), int64(req.FileSize))
	s.writeJSON(w, http.StatusOK, resp)
}

// handleQueryJobError implements POST /queryjob-error.
func (s *Server) handleQueryJobError(w http.ResponseWriter, r *http.Request) {
	var req wire.QueryJobError
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("coord: decode queryjob-error", nil))
		return
	}
	if !s.checkAuth(req.Envelope) {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("coord: auth rejected", nil))
		return
	}
	qs := s.dispatch.lookup(int64(req.QueryID))
	if qs == nil {
		s.writeJSON(w, http.StatusOK, wire.OK())
		return
	}
	qs.mu.Lock()
	sender, ok := qs.bundles[int64(req.UberJobID)]
	qs.mu.Unlock()
	if ok {
		sender.OnWorkerError(req.ErrorCode, req.ErrorMsg)
	}
	s.writeJSON(w, http.StatusOK, wire.OK())
}

// handleComIssue implements POST /workerczarcomissue: a worker reports
// notifications it could not deliver. Every entry of a known query is
// accepted; one whose bundle is still known is handed to that BundleSender's
// OnResultReady exactly as POST /queryjob-ready would hand it (OnResultReady
// is idempotent). Entries of an unknown query are not accepted.
func (s *Server) handleComIssue(w http.ResponseWriter, r *http.Request) {
	var req wire.ComIssue
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("coord: decode com-issue", nil))
		return
	}
	if !s.checkAuth(req.Envelope) {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("coord: auth rejected", nil))
		return
	}
	accepted := make([]wire.BundleNoticeEntry, 0, len(req.FailedTransmits))
	for _, ft := range req.FailedTransmits {
		qs := s.dispatch.lookup(int64(ft.QueryID))
		if qs == nil {
			continue
		}
		qs.mu.Lock()
		sender, ok := qs.bundles[int64(ft.UberJobID)]
		qs.mu.Unlock()
		if ok {
			sender.OnResultReady(ft.FileURL, int64(ft.RowCount), int64(ft.FileSize))
		}
		accepted = append(accepted, wire.BundleNoticeEntry{QueryID: ft.QueryID, BundleID: ft.UberJobID})
	}
	s.writeJSON(w, http.StatusOK, wire.ComIssueAck{Response: wire.OK(), Accepted: accepted})
}

// handleConfig implements GET /config: a sanitized view, never the raw auth
// secrets.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"coordinator_id": s.cfg.CoordinatorID,
		"listen":         s.cfg.Listen.Addr(),
		"peer": map[string]any{
			"dead_after":        s.cfg.Peer.DeadAfter.String(),
			"notice_lifetime":   s.cfg.Peer.NoticeLifetime.String(),
			"exchange_interval": s.cfg.Peer.ExchangeInterval.String(),
		},
		"merge": map[string]any{
			"concurrent_pulls_per_worker": s.cfg.Merge.ConcurrentPullsPerWorker,
			"max_retries":                 s.cfg.Merge.MaxRetries,
		},
		"gc": map[string]any{
			"async_retention_sec": s.cfg.GC.AsyncRetentionSec,
			"hard_retention_sec":  s.cfg.GC.HardRetentionSec,
		},
	})
}

// handleStatus implements GET /status: liveness of every known worker.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type workerStatus struct {
		WorkerID string `json:"worker_id"`
		Alive    bool   `json:"alive"`
	}
	contacts, _ := s.peers.store.ListWorkerContacts(r.Context())
	out := make([]workerStatus, 0, len(contacts))
	for _, c := range contacts {
		alive := s.peers.Tracker.Liveness(c.WorkerID) == peer.Alive
		out = append(out, workerStatus{WorkerID: c.WorkerID, Alive: alive})
		if alive {
			workerLivenessGauge.WithLabelValues(c.WorkerID).Set(1)
		} else {
			workerLivenessGauge.WithLabelValues(c.WorkerID).Set(0)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

// handleQueryProgress implements GET /query-progress?query_id=N, served off
// in-memory dispatcher state.
func (s *Server) handleQueryProgress(w http.ResponseWriter, r *http.Request) {
	queryID, err := parseQueryID(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail(err.Error(), nil))
		return
	}
	p, ok := s.dispatch.Progress(queryID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, wire.Fail("coord: unknown query", nil))
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleQueryProgressStream implements GET /query-progress/stream: pushes a
// ProgressView every time any bundle completes or fails.
func (s *Server) handleQueryProgressStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan ProgressView, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case v := <-ch:
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) broadcast(v ProgressView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

// handleSubmit is the client-facing entry point a user (or stratoqctl)
// posts a rewritten query to. The protocol does not fix a wire shape here since
// the SQL-rewriting layer that produces a Submission is out of scope, so
// the request body is the Submission struct directly.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		wire.Envelope
		Submission
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("coord: decode submit", nil))
		return
	}
	if !s.checkAuth(body.Envelope) {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("coord: auth rejected", nil))
		return
	}
	queryID, err := s.dispatch.Submit(r.Context(), body.Submission)
	if err != nil {
		s.writeJSON(w, http.StatusOK, wire.Fail(err.Error(), nil))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": 1, "query_id": queryID})
}

// handleCancel is the client-facing cancel endpoint; requires admin_auth_key
// since cancellation is a privileged control operation.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		wire.Envelope
		QueryID int64 `json:"query_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("coord: decode cancel", nil))
		return
	}
	if _, err := s.admin.Verify(body.AdminAuthKey); err != nil {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("coord: admin auth rejected", nil))
		return
	}
	if err := s.dispatch.Cancel(r.Context(), body.QueryID); err != nil {
		s.writeJSON(w, http.StatusOK, wire.Fail(err.Error(), nil))
		return
	}
	s.writeJSON(w, http.StatusOK, wire.OK())
}
