package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/wire"
)

// CoordinatorClient posts a bundle's outcome back to the coordinator that
// sent it, wired as the Receiver's OnTaskReady/OnTaskError callbacks. A
// notification that fails to deliver is queued for the next status-exchange
// com-issue report rather than retried directly.
type CoordinatorClient struct {
	peers      *PeerManager
	httpClient *http.Client
	authKey    string
	instanceID string
	selfWorker string
	logger     stratoq.Logger
	server     *ResultFileServer
	selfHost   string
	selfPort   int

	mu      sync.Mutex
	pending []wire.FailedTransmit
}

func NewCoordinatorClient(peers *PeerManager, httpClient *http.Client, authKey, instanceID, selfWorker, selfHost string, selfPort int, server *ResultFileServer, logger stratoq.Logger) *CoordinatorClient {
	return &CoordinatorClient{
		peers: peers, httpClient: httpClient, authKey: authKey, instanceID: instanceID,
		selfWorker: selfWorker, selfHost: selfHost, selfPort: selfPort, server: server, logger: logger,
	}
}

// FileURL builds the externally reachable result-file URL for a bundle,
// suitable as the resultFn passed to NewRunner.
func (c *CoordinatorClient) FileURL(coordinatorID string, queryID, bundleID int64) string {
	return fmt.Sprintf("http://%s:%d/%s", c.selfHost, c.selfPort, c.server.URLFor(coordinatorID, queryID, bundleID))
}

// NotifyReady posts POST /queryjob-ready to b's owning coordinator.
func (c *CoordinatorClient) NotifyReady(b *bundle, fileURL string) {
	host, port, ok := c.coordinatorAddr(b.CoordinatorID)
	if !ok {
		c.queueFailedTransmit(b.QueryID, b.BundleID, fileURL, b.rowsWritten, 0)
		return
	}
	body := wire.QueryJobReady{
		Envelope:  wire.Envelope{Version: wire.MaxProtocolVersion, InstanceID: c.instanceID, AuthKey: c.authKey},
		WorkerID:  c.selfWorker,
		CzarID:    b.CoordinatorID,
		QueryID:   wire.FlexInt(b.QueryID),
		UberJobID: wire.FlexInt(b.BundleID),
		FileURL:   fileURL,
		RowCount:  wire.FlexInt(b.rowsWritten),
		FileSize:  wire.FlexInt(b.bytesWritten),
		RowCapHit: b.capHit,
	}
	if err := c.post(host, port, "/queryjob-ready", body); err != nil {
		c.logger.Warn("worker: failed to notify queryjob-ready", "query_id", b.QueryID, "bundle_id", b.BundleID, "error", err)
		c.queueFailedTransmit(b.QueryID, b.BundleID, fileURL, b.rowsWritten, b.bytesWritten)
	}
}

// NotifyError posts POST /queryjob-error to b's owning coordinator.
func (c *CoordinatorClient) NotifyError(b *bundle, code, msg string) {
	host, port, ok := c.coordinatorAddr(b.CoordinatorID)
	if !ok {
		return
	}
	body := wire.QueryJobError{
		Envelope:  wire.Envelope{Version: wire.MaxProtocolVersion, InstanceID: c.instanceID, AuthKey: c.authKey},
		WorkerID:  c.selfWorker,
		CzarID:    b.CoordinatorID,
		QueryID:   wire.FlexInt(b.QueryID),
		UberJobID: wire.FlexInt(b.BundleID),
		ErrorCode: code,
		ErrorMsg:  msg,
	}
	if err := c.post(host, port, "/queryjob-error", body); err != nil {
		c.logger.Warn("worker: failed to notify queryjob-error", "query_id", b.QueryID, "bundle_id", b.BundleID, "error", err)
	}
}

func (c *CoordinatorClient) coordinatorAddr(coordinatorID string) (string, int, bool) {
	snap, ok := c.peers.Tracker.Snapshot(coordinatorID)
	if !ok {
		return "", 0, false
	}
	return snap.Host, snap.Port, true
}

func (c *CoordinatorClient) post(host string, port int, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("worker: %s returned HTTP %d", path, resp.StatusCode)
	}
	var wireResp wire.Response
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return err
	}
	if wireResp.Success != 1 {
		return fmt.Errorf("worker: %s rejected: %s", path, wireResp.Error)
	}
	return nil
}

// queueFailedTransmit records an undeliverable notification for the next
// status-exchange com-issue report.
func (c *CoordinatorClient) queueFailedTransmit(queryID, bundleID int64, fileURL string, rowCount, fileSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, wire.FailedTransmit{
		QueryID: wire.FlexInt(queryID), UberJobID: wire.FlexInt(bundleID),
		FileURL: fileURL, RowCount: wire.FlexInt(rowCount), FileSize: wire.FlexInt(fileSize),
	})
}

// PendingFailedTransmits returns a copy of the pending failed-transmit
// list without clearing it; entries are only cleared once the coordinator
// has explicitly accepted them (AckFailedTransmits), so a reply lost in
// transit does not lose the notification with it.
func (c *CoordinatorClient) PendingFailedTransmits() []wire.FailedTransmit {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]wire.FailedTransmit, len(c.pending))
	copy(out, c.pending)
	return out
}

// ReportComIssue posts the pending failed transmits to the coordinator's
// com-issue endpoint and clears exactly the entries it accepts.
func (c *CoordinatorClient) ReportComIssue(coordinatorID string) {
	pending := c.PendingFailedTransmits()
	if len(pending) == 0 {
		return
	}
	host, port, ok := c.coordinatorAddr(coordinatorID)
	if !ok {
		return
	}

	body := wire.ComIssue{
		Envelope:           wire.Envelope{Version: wire.MaxProtocolVersion, InstanceID: c.instanceID, AuthKey: c.authKey},
		ThoughtPeerWasDead: c.peers.Tracker.ThoughtPeerWasDead(coordinatorID),
		FailedTransmits:    pending,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://%s:%d/workerczarcomissue", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("worker: com-issue report failed", "coordinator_id", coordinatorID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.logger.Warn("worker: com-issue report rejected", "coordinator_id", coordinatorID, "status", resp.StatusCode)
		return
	}

	var ack wire.ComIssueAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		c.logger.Warn("worker: decode com-issue ack failed", "coordinator_id", coordinatorID, "error", err)
		return
	}
	if ack.Success == 1 {
		c.AckFailedTransmits(ack.Accepted)
	}
}

// AckFailedTransmits drops the ids the coordinator's ComIssueAck reports as
// now accepted, re-queuing only the ones still outstanding.
func (c *CoordinatorClient) AckFailedTransmits(accepted []wire.BundleNoticeEntry) {
	if len(accepted) == 0 {
		return
	}
	acceptedSet := make(map[bundleKey]bool, len(accepted))
	for _, a := range accepted {
		acceptedSet[bundleKey{a.QueryID.Int(), a.BundleID.Int()}] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pending[:0]
	for _, ft := range c.pending {
		if !acceptedSet[bundleKey{ft.QueryID.Int(), ft.UberJobID.Int()}] {
			kept = append(kept, ft)
		}
	}
	c.pending = kept
}
