package worker

import (
	"encoding/json"
	"net/http"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/config"
	"github.com/user/stratoq/pkg/authtoken"
	"github.com/user/stratoq/pkg/wire"
)

// Server is the worker's HTTP API: bundle intake,
// the periodic status exchange, and result file serving.
type Server struct {
	receiver *Receiver
	peers    *PeerManager
	client   *CoordinatorClient
	results  *ResultFileServer
	cfg      *config.WorkerConfig
	logger   stratoq.Logger
}

func NewServer(receiver *Receiver, peers *PeerManager, client *CoordinatorClient, results *ResultFileServer, cfg *config.WorkerConfig, logger stratoq.Logger) *Server {
	receiver.OnTaskReady(client.NotifyReady)
	receiver.OnTaskError(client.NotifyError)
	s := &Server{receiver: receiver, peers: peers, client: client, results: results, cfg: cfg, logger: logger}
	peers.OnCoordinatorRestart(s.onCoordinatorRestart)
	return s
}

// Mux builds the routing table, mirroring the coordinator's "METHOD /path"
// ServeMux registration style.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /queryjob", s.handleQueryJob)
	mux.HandleFunc("POST /workerstatus", s.handleWorkerStatus)
	mux.HandleFunc("GET /", s.results.ServeHTTP)
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
	return authtoken.CheckAuthKey(s.cfg.Auth.AuthKey, env.AuthKey)
}

// handleQueryJob implements POST /queryjob: BundleReceiver.Accept does all
// the validation, duplicate detection, and task spawning.
func (s *Server) handleQueryJob(w http.ResponseWriter, r *http.Request) {
	var req wire.BundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("worker: decode bundle", nil))
		return
	}
	if !s.checkAuth(req.Envelope) {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("worker: auth rejected", nil))
		return
	}
	resp := s.receiver.Accept(req)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleWorkerStatus implements POST /workerstatus: the coordinator's
// periodic liveness/notice-queue round trip. The worker acts on
// every notice entry, acknowledges what it handled, and attaches a com-issue
// report if it has undeliverable notifications pending.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var exchange wire.StatusExchange
	if err := json.NewDecoder(r.Body).Decode(&exchange); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.Fail("worker: decode status exchange", nil))
		return
	}
	if !s.checkAuth(exchange.Envelope) {
		s.writeJSON(w, http.StatusUnauthorized, wire.Fail("worker: auth rejected", nil))
		return
	}

	ack := s.peers.BuildAck(exchange,
		func(queryID int64) { s.onDeleteFiles(exchange.Czar.ID, queryID) },
		func(queryID int64) { s.onKeepFiles(exchange.Czar.ID, queryID) },
		func(queryID, bundleID int64) { s.onDeadBundle(queryID, bundleID) },
	)

	if pending := s.client.PendingFailedTransmits(); len(pending) > 0 {
		ack.ComIssue = &wire.ComIssue{
			Envelope:           exchange.Envelope,
			ThoughtPeerWasDead: s.peers.Tracker.ThoughtPeerWasDead(exchange.Czar.ID),
			FailedTransmits:    pending,
		}
		// The attached copy is informational; the entries are only cleared
		// once the com-issue round trip gets them explicitly accepted.
		go s.client.ReportComIssue(exchange.Czar.ID)
	}
	s.writeJSON(w, http.StatusOK, ack)
}

// onDeleteFiles reclaims a query's result files once the coordinator signals
// they are no longer needed, cancelling any of its tasks still running.
func (s *Server) onDeleteFiles(coordinatorID string, queryID int64) {
	s.receiver.mu.Lock()
	var victims []*bundle
	for _, b := range s.receiver.bundles {
		if b.QueryID == queryID && b.CoordinatorID == coordinatorID {
			victims = append(victims, b)
		}
	}
	s.receiver.mu.Unlock()
	for _, b := range victims {
		b.mu.Lock()
		tasks := append([]*Task(nil), b.tasks...)
		b.mu.Unlock()
		for _, t := range tasks {
			if t.State() == stratoq.TaskRunning {
				t.Cancel()
			}
		}
	}
	s.results.DeleteForQuery(coordinatorID, queryID)
}

// onCoordinatorRestart voids everything tied to a coordinator's previous
// incarnation: running tasks are cancelled and the result files it will
// never come back for are deleted.
func (s *Server) onCoordinatorRestart(coordinatorID string) {
	s.receiver.abandonForCoordinator(coordinatorID)
	s.results.DeleteForCoordinator(coordinatorID)
}

// onKeepFiles aborts any still-running tasks for queryID, since the
// coordinator has already collected enough rows.
func (s *Server) onKeepFiles(coordinatorID string, queryID int64) {
	s.receiver.mu.Lock()
	var victims []*bundle
	for _, b := range s.receiver.bundles {
		if b.QueryID == queryID {
			victims = append(victims, b)
		}
	}
	s.receiver.mu.Unlock()
	for _, b := range victims {
		b.mu.Lock()
		tasks := append([]*Task(nil), b.tasks...)
		b.mu.Unlock()
		for _, t := range tasks {
			if t.State() == stratoq.TaskRunning {
				t.Cancel()
			}
		}
	}
}

// onDeadBundle cancels a single bundle's tasks, used when the coordinator
// has independently decided a bundle is abandoned.
func (s *Server) onDeadBundle(queryID, bundleID int64) {
	s.receiver.mu.Lock()
	b, ok := s.receiver.bundles[bundleKey{queryID, bundleID}]
	s.receiver.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	tasks := append([]*Task(nil), b.tasks...)
	b.mu.Unlock()
	for _, t := range tasks {
		if t.State() == stratoq.TaskRunning {
			t.Cancel()
		}
	}
}
