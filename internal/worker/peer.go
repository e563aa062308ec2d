// Package worker implements the worker-side half of the control plane:
// BundleReceiver, TaskRunner, ResultFileServer, the
// worker's PeerTracker wrapper, its GarbageCollector loop, and
// the worker HTTP API.
package worker

import (
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/peer"
	"github.com/user/stratoq/pkg/wire"
)

// PeerManager wraps a coordinator_id-keyed peer.Tracker with the worker's
// role-specific behavior: a coordinator going DEAD causes every bundle
// owned by it to be abandoned locally, mirroring internal/coord's
// wrapper but keyed the other way round.
type PeerManager struct {
	Tracker *peer.Tracker[string]

	logger stratoq.Logger

	selfID    string
	selfHost  string
	selfPort  int
	selfEpoch int64

	onCoordinatorDead    func(coordinatorID string)
	onCoordinatorRestart func(coordinatorID string)
}

func NewPeerManager(logger stratoq.Logger, workerID, host string, port int, startupEpoch int64) *PeerManager {
	m := &PeerManager{
		Tracker: peer.New[string](), logger: logger,
		selfID: workerID, selfHost: host, selfPort: port, selfEpoch: startupEpoch,
	}
	m.Tracker.OnDeath(func(coordinatorID string) {
		logger.Warn("coordinator marked dead", "coordinator_id", coordinatorID)
		if m.onCoordinatorDead != nil {
			m.onCoordinatorDead(coordinatorID)
		}
	})
	m.Tracker.OnRestart(func(coordinatorID string) {
		logger.Warn("coordinator startup epoch changed", "coordinator_id", coordinatorID)
		if m.onCoordinatorRestart != nil {
			m.onCoordinatorRestart(coordinatorID)
		}
	})
	return m
}

// OnCoordinatorDead registers the callback fired when a coordinator peer
// transitions ALIVE->DEAD, wired to BundleReceiver.abandonForCoordinator.
func (m *PeerManager) OnCoordinatorDead(fn func(coordinatorID string)) {
	m.onCoordinatorDead = fn
}

// OnCoordinatorRestart registers the callback fired when a coordinator's
// startup_epoch changes: tasks tied to the previous epoch are cancelled and
// their result files deleted, since the restarted coordinator has aborted
// everything it was running.
func (m *PeerManager) OnCoordinatorRestart(fn func(coordinatorID string)) {
	m.onCoordinatorRestart = fn
}

// Touch records a status-exchange round trip from a coordinator.
func (m *PeerManager) Touch(coordinatorID, host string, port int, epoch int64) peer.Liveness {
	return m.Tracker.Touch(coordinatorID, host, port, epoch)
}

// Seed installs a coordinator's last-known contact info at worker start-up,
// without marking it freshly alive.
func (m *PeerManager) Seed(coordinatorID, host string, port int, epoch int64, lastTouch time.Time) {
	m.Tracker.Seed(coordinatorID, host, port, epoch, lastTouch)
}

// BuildAck assembles the worker's reply to one StatusExchange, acting on
// every notice queue entry the coordinator published and reporting back
// which ids it handled.
func (m *PeerManager) BuildAck(exchange wire.StatusExchange,
	onDeleteFiles, onKeepFiles func(queryID int64), onDeadBundle func(queryID, bundleID int64)) wire.StatusExchangeAck {
	m.Tracker.Touch(exchange.Czar.ID, exchange.Czar.Host, exchange.Czar.Port, exchange.Czar.StartupEpoch.Int())

	ack := wire.StatusExchangeAck{
		Response:  wire.OK(),
		RequestID: exchange.RequestID,
		Worker: wire.ContactInfo{
			ID: m.selfID, Host: m.selfHost, Port: m.selfPort,
			StartupEpoch: wire.FlexInt(m.selfEpoch),
		},
	}
	for _, n := range exchange.DeleteFiles {
		onDeleteFiles(n.ID.Int())
		ack.AckedDeleteFiles = append(ack.AckedDeleteFiles, n.ID.Int())
	}
	for _, n := range exchange.KeepFiles {
		onKeepFiles(n.ID.Int())
		ack.AckedKeepFiles = append(ack.AckedKeepFiles, n.ID.Int())
	}
	for _, n := range exchange.DeadBundles {
		onDeadBundle(n.QueryID.Int(), n.BundleID.Int())
		ack.AckedDeadBundles = append(ack.AckedDeadBundles, encodeAckBundleKey(n.QueryID.Int(), n.BundleID.Int()))
	}
	return ack
}

// Sweep drives liveness detection independent of the status-exchange loop,
// called off the periodic ticker goroutine in cmd/stratoq-worker's main so a
// coordinator that simply stops calling in (rather than erroring) is still
// marked DEAD.
func (m *PeerManager) Sweep() []string {
	return m.Tracker.Sweep()
}

// encodeAckBundleKey mirrors internal/coord's bundle-key packing so the
// worker's acked_dead_bundles ids compact the same DeadBundles queue the
// coordinator maintains keyed by the packed (query_id, bundle_id) pair.
func encodeAckBundleKey(queryID, bundleID int64) int64 {
	const bundleKeyBundleBits = 20
	return (queryID << bundleKeyBundleBits) | (bundleID & (1<<bundleKeyBundleBits - 1))
}
