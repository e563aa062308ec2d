package worker

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq/internal/config"
	"github.com/user/stratoq/pkg/logging"
	"github.com/user/stratoq/pkg/wire"
)

func newTestServer(t *testing.T) (*Server, *Receiver, *ResultFileServer) {
	t.Helper()
	logger := logging.New(io.Discard, "test")
	peers := NewPeerManager(logger, "worker1", "127.0.0.1", 9100, time.Now().UnixMilli())
	receiver := NewReceiver(peers, "worker1", time.Minute, logger)
	results := NewResultFileServer(t.TempDir(), logger)
	client := NewCoordinatorClient(peers, &http.Client{}, "k", "inst-w1", "worker1", "127.0.0.1", 9100, results, logger)
	cfg := &config.WorkerConfig{WorkerID: "worker1", Auth: config.AuthConfig{AuthKey: "k"}}
	return NewServer(receiver, peers, client, results, cfg, logger), receiver, results
}

func postStatus(t *testing.T, s *Server, exchange wire.StatusExchange) (*httptest.ResponseRecorder, wire.StatusExchangeAck) {
	t.Helper()
	body, err := json.Marshal(exchange)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	s.handleWorkerStatus(rec, httptest.NewRequest(http.MethodPost, "/workerstatus", bytes.NewReader(body)))
	var ack wire.StatusExchangeAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	return rec, ack
}

func statusExchange(epoch int64) wire.StatusExchange {
	return wire.StatusExchange{
		Envelope:  wire.Envelope{Version: wire.MaxProtocolVersion, InstanceID: "inst-c1", AuthKey: "k"},
		RequestID: "czar1-1",
		Czar:      wire.ContactInfo{ID: "czar1", Host: "127.0.0.1", Port: 9000, StartupEpoch: wire.FlexInt(epoch)},
		ExpectedWorker: wire.ContactInfo{
			ID: "worker1", Host: "127.0.0.1", Port: 9100,
		},
	}
}

func TestServer_WorkerStatusRejectsBadAuth(t *testing.T) {
	s, _, _ := newTestServer(t)

	exchange := statusExchange(1)
	exchange.AuthKey = "wrong"
	rec, ack := postStatus(t, s, exchange)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, ack.Success)
}

func TestServer_WorkerStatusActsOnNoticesAndAcks(t *testing.T) {
	s, receiver, results := newTestServer(t)

	resp := receiver.Accept(sampleBundle(7, 1))
	require.Equal(t, 1, resp.Success)
	path := writeReadyFile(t, results, "czar1", 7, 1)

	exchange := statusExchange(1)
	exchange.DeleteFiles = []wire.NoticeEntry{{ID: 7, TimestampMS: time.Now().UnixMilli()}}
	exchange.DeadBundles = []wire.BundleNoticeEntry{{QueryID: 7, BundleID: 1, TimestampMS: time.Now().UnixMilli()}}

	rec, ack := postStatus(t, s, exchange)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, ack.Success)
	require.Equal(t, "czar1-1", ack.RequestID)
	require.Equal(t, "worker1", ack.Worker.ID, "ack reports the worker's own contact info")
	require.NotZero(t, ack.Worker.StartupEpoch.Int())
	require.Equal(t, []int64{7}, ack.AckedDeleteFiles)
	require.Equal(t, []int64{encodeAckBundleKey(7, 1)}, ack.AckedDeadBundles)
	require.NoFileExists(t, path, "delete-files notice reclaims the query's result files")
}

func TestServer_CoordinatorRestartVoidsPreviousEpochState(t *testing.T) {
	s, receiver, results := newTestServer(t)

	resp := receiver.Accept(sampleBundle(7, 1))
	require.Equal(t, 1, resp.Success)
	path := writeReadyFile(t, results, "czar1", 7, 1)

	// First exchange fixes epoch 1; the second arrives with a new epoch,
	// meaning the coordinator restarted and aborted everything it owned.
	_, ack := postStatus(t, s, statusExchange(1))
	require.Equal(t, 1, ack.Success)

	_, ack = postStatus(t, s, statusExchange(2))
	require.Equal(t, 1, ack.Success)
	require.NoFileExists(t, path, "files from the previous epoch are deleted")
}

func TestServer_QueryJobRejectsBadAuth(t *testing.T) {
	s, _, _ := newTestServer(t)

	b := sampleBundle(7, 1)
	b.AuthKey = "wrong"
	body, err := json.Marshal(b)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.handleQueryJob(rec, httptest.NewRequest(http.MethodPost, "/queryjob", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_QueryJobAcceptsAndIsIdempotent(t *testing.T) {
	s, _, _ := newTestServer(t)

	b := sampleBundle(7, 1)
	b.AuthKey = "k"
	body, err := json.Marshal(b)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.handleQueryJob(rec, httptest.NewRequest(http.MethodPost, "/queryjob", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Success)

	rec = httptest.NewRecorder()
	s.handleQueryJob(rec, httptest.NewRequest(http.MethodPost, "/queryjob", bytes.NewReader(body)))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Success)
	require.NotEmpty(t, resp.Note, "duplicate accepted idempotently")
}
