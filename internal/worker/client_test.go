package worker

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq/pkg/logging"
	"github.com/user/stratoq/pkg/wire"
)

func newTestClient(t *testing.T) (*CoordinatorClient, *PeerManager) {
	t.Helper()
	logger := logging.New(io.Discard, "test")
	peers := NewPeerManager(logger, "worker1", "127.0.0.1", 9100, time.Now().UnixMilli())
	results := NewResultFileServer(t.TempDir(), logger)
	client := NewCoordinatorClient(peers, &http.Client{}, "k", "inst-w1", "worker1", "127.0.0.1", 9100, results, logger)
	return client, peers
}

func seedCoordinator(t *testing.T, peers *PeerManager, rawURL string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	peers.Touch("czar1", u.Hostname(), port, 1)
}

func TestClient_ReportComIssueClearsOnlyAcceptedEntries(t *testing.T) {
	client, peers := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workerczarcomissue", r.URL.Path)
		var req wire.ComIssue
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.FailedTransmits, 2)
		// Accept only the first of the two reported transmits.
		json.NewEncoder(w).Encode(wire.ComIssueAck{
			Response: wire.OK(),
			Accepted: []wire.BundleNoticeEntry{{QueryID: req.FailedTransmits[0].QueryID, BundleID: req.FailedTransmits[0].UberJobID}},
		})
	}))
	defer srv.Close()
	seedCoordinator(t, peers, srv.URL)

	client.queueFailedTransmit(7, 1, "http://w/f1.result", 100, 4096)
	client.queueFailedTransmit(7, 2, "http://w/f2.result", 50, 2048)

	client.ReportComIssue("czar1")

	remaining := client.PendingFailedTransmits()
	require.Len(t, remaining, 1)
	require.Equal(t, int64(2), remaining[0].UberJobID.Int())
}

func TestClient_ReportComIssueKeepsEntriesWhenCoordinatorUnreachable(t *testing.T) {
	client, peers := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	seedCoordinator(t, peers, srv.URL)
	srv.Close()

	client.queueFailedTransmit(7, 1, "http://w/f1.result", 100, 4096)
	client.ReportComIssue("czar1")

	require.Len(t, client.PendingFailedTransmits(), 1, "nothing is cleared without an explicit accept")
}

func TestClient_NotifyReadyQueuesFailedTransmitOnError(t *testing.T) {
	client, peers := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	seedCoordinator(t, peers, srv.URL)
	srv.Close()

	b := &bundle{QueryID: 7, BundleID: 1, CoordinatorID: "czar1", rowsWritten: 100}
	client.NotifyReady(b, "http://w/f1.result")

	pending := client.PendingFailedTransmits()
	require.Len(t, pending, 1)
	require.Equal(t, int64(7), pending[0].QueryID.Int())
	require.Equal(t, "http://w/f1.result", pending[0].FileURL)
}
