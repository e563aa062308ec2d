package coord

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/metastore"
	"github.com/user/stratoq/pkg/peer"
	"github.com/user/stratoq/pkg/wire"
)

// PeerManager wraps a worker_id-keyed peer.Tracker with the coordinator's
// role-specific behavior: a worker going DEAD fails its bundles
// locally, and every successful round trip persists the
// worker's contact info into MetadataStore so a coordinator restart does not
// have to wait a full status-exchange period to rebuild liveness state.
type PeerManager struct {
	Tracker *peer.Tracker[string]

	store  *metastore.Store
	logger stratoq.Logger

	selfID    string
	selfHost  string
	selfPort  int
	selfEpoch int64

	reqSeq atomic.Int64

	onWorkerDead func(workerID string)
}

// NewPeerManager builds the coordinator's peer tracker, identity fixed once
// at process init and immutable thereafter.
func NewPeerManager(store *metastore.Store, logger stratoq.Logger, coordinatorID, host string, port int, startupEpoch int64) *PeerManager {
	m := &PeerManager{
		Tracker:   peer.New[string](),
		store:     store,
		logger:    logger,
		selfID:    coordinatorID,
		selfHost:  host,
		selfPort:  port,
		selfEpoch: startupEpoch,
	}
	m.Tracker.OnDeath(func(workerID string) {
		logger.Warn("worker marked dead", "worker_id", workerID)
		if m.onWorkerDead != nil {
			m.onWorkerDead(workerID)
		}
	})
	// A changed startup_epoch means the worker lost every bundle it was
	// holding; the bundles fail locally exactly as if the worker had died,
	// so their jobs get reassigned against current chunk placement.
	m.Tracker.OnRestart(func(workerID string) {
		logger.Warn("worker startup epoch changed", "worker_id", workerID)
		if m.onWorkerDead != nil {
			m.onWorkerDead(workerID)
		}
	})
	return m
}

// OnWorkerDead registers the callback fired when a liveness sweep first finds
// a worker DEAD or its startup_epoch changes; wired to
// QueryDispatcher.failBundlesForWorker.
func (m *PeerManager) OnWorkerDead(fn func(workerID string)) {
	m.onWorkerDead = fn
}

// SeedFromStore rebuilds in-memory peer records from MetadataStore's
// persisted worker contacts at coordinator start-up.
func (m *PeerManager) SeedFromStore(ctx context.Context) error {
	contacts, err := m.store.ListWorkerContacts(ctx)
	if err != nil {
		return err
	}
	for _, c := range contacts {
		m.Tracker.Seed(c.WorkerID, c.Host, c.Port, c.StartupEpoch, c.LastTouch)
	}
	return nil
}

// nextRequestID mints the monotonic request id a status-exchange message
// carries.
func (m *PeerManager) nextRequestID() string {
	return fmt.Sprintf("%s-%d", m.selfID, m.reqSeq.Add(1))
}

// BuildExchange assembles the outbound StatusExchange body for one worker,
// compacting the peer's notice queues in the same step.
func (m *PeerManager) BuildExchange(workerID string, authKey, instanceID string) wire.StatusExchange {
	m.Tracker.Compact(workerID)
	snap, _ := m.Tracker.Snapshot(workerID)

	return wire.StatusExchange{
		Envelope: wire.Envelope{
			Version:    wire.MaxProtocolVersion,
			InstanceID: instanceID,
			AuthKey:    authKey,
		},
		RequestID: m.nextRequestID(),
		Czar: wire.ContactInfo{
			ID:           m.selfID,
			Host:         m.selfHost,
			Port:         m.selfPort,
			StartupEpoch: wire.FlexInt(m.selfEpoch),
		},
		ExpectedWorker: wire.ContactInfo{
			ID:           workerID,
			Host:         snap.Host,
			Port:         snap.Port,
			StartupEpoch: wire.FlexInt(snap.StartupEpoch),
		},
		ThoughtPeerWasDead: m.Tracker.ThoughtPeerWasDead(workerID),
		DeleteFiles:        noticeEntries(snap.DeleteFiles),
		KeepFiles:          noticeEntries(snap.KeepFiles),
		DeadBundles:        bundleNoticeEntries(snap.DeadBundles),
	}
}

// ApplyAck compacts the acknowledged ids out of the tracker's queues after a
// worker replies to a status exchange.
func (m *PeerManager) ApplyAck(workerID string, ack wire.StatusExchangeAck) {
	m.Tracker.Ack(workerID, peer.DeleteFiles, ack.AckedDeleteFiles)
	m.Tracker.Ack(workerID, peer.KeepFiles, ack.AckedKeepFiles)
	m.Tracker.Ack(workerID, peer.DeadBundles, ack.AckedDeadBundles)
}

// Touch records a successful round trip with workerID, detecting restart and
// DEAD->ALIVE transitions, then persists the new contact info.
func (m *PeerManager) Touch(ctx context.Context, workerID, host string, port int, epoch int64) {
	m.Tracker.Touch(workerID, host, port, epoch)
	if err := m.store.UpsertWorkerContact(ctx, metastore.WorkerContact{
		WorkerID:     workerID,
		Host:         host,
		Port:         port,
		StartupEpoch: epoch,
		LastTouch:    time.Now(),
	}); err != nil {
		m.logger.Warn("failed to persist worker contact", "worker_id", workerID, "error", err)
	}
}

// NotifyDeleteFiles enqueues a "result files may be deleted" notice for a
// query on a worker's peer record.
func (m *PeerManager) NotifyDeleteFiles(workerID string, queryID int64) {
	m.Tracker.Notify(workerID, peer.DeleteFiles, queryID)
}

// NotifyKeepFiles enqueues a "keep files, stop work" notice for a query
// once its row cap has been reached.
func (m *PeerManager) NotifyKeepFiles(workerID string, queryID int64) {
	m.Tracker.Notify(workerID, peer.KeepFiles, queryID)
}

// NotifyDeadBundle enqueues a "this bundle is dead, abandon it" notice
// when the owning query cancels.
func (m *PeerManager) NotifyDeadBundle(workerID string, queryID, bundleID int64) {
	m.Tracker.Notify(workerID, peer.DeadBundles, encodeBundleKey(queryID, bundleID))
}

func noticeEntries(m map[int64]time.Time) []wire.NoticeEntry {
	out := make([]wire.NoticeEntry, 0, len(m))
	for id, t := range m {
		out = append(out, wire.NoticeEntry{ID: wire.FlexInt(id), TimestampMS: t.UnixMilli()})
	}
	return out
}

func bundleNoticeEntries(m map[int64]time.Time) []wire.BundleNoticeEntry {
	out := make([]wire.BundleNoticeEntry, 0, len(m))
	for key, t := range m {
		queryID, bundleID := decodeBundleKey(key)
		out = append(out, wire.BundleNoticeEntry{QueryID: wire.FlexInt(queryID), BundleID: wire.FlexInt(bundleID), TimestampMS: t.UnixMilli()})
	}
	return out
}

// bundleKeyBundleBits is the number of low bits reserved for the bundle
// ordinal when packing (query_id, bundle_id) into the single int64 id the
// generic peer.Tracker notice queues are keyed by; the dead_bundles map in
// is logically a query_id -> {bundle_id -> timestamp} nested map, but Tracker's
// queues are flat, so the pair is packed here instead of generifying
// Tracker over a composite key type.
const bundleKeyBundleBits = 20

func encodeBundleKey(queryID, bundleID int64) int64 {
	return (queryID << bundleKeyBundleBits) | (bundleID & (1<<bundleKeyBundleBits - 1))
}

func decodeBundleKey(key int64) (queryID, bundleID int64) {
	bundleID = key & (1<<bundleKeyBundleBits - 1)
	queryID = key >> bundleKeyBundleBits
	return
}

// NewInstanceID is re-exported for callers constructing envelopes; kept as a
// thin alias so internal/coord does not need to import pkg/authtoken just
// for id minting in call sites that already import uuid for other reasons.
func NewInstanceID() string { return uuid.NewString() }
