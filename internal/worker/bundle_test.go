package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/logging"
	"github.com/user/stratoq/pkg/wire"
)

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	peers := NewPeerManager(logging.New(io.Discard, "test"), "worker1", "127.0.0.1", 9100, time.Now().Unix())
	return NewReceiver(peers, "worker1", time.Minute, logging.New(io.Discard, "test"))
}

func sampleBundle(queryID, bundleID int64) wire.BundleRequest {
	return wire.BundleRequest{
		Envelope:       wire.Envelope{Version: wire.MaxProtocolVersion},
		Worker:         "worker1",
		QueryID:        wire.FlexInt(queryID),
		UberJobID:      wire.FlexInt(bundleID),
		RowLimit:       wire.FlexInt(0),
		MaxTableSizeMB: wire.FlexInt(0),
		CzarInfo:       wire.CzarInfo{ID: "czar1", Host: "127.0.0.1", Port: 9000, StartupEpoch: wire.FlexInt(1)},
		SubqueriesMap:  []wire.TemplateEntry{{Index: 0, Template: "SELECT 1"}},
		Jobs: []wire.Job{
			{JobID: 1, ChunkID: 1, QueryFragments: []wire.QueryFragment{
				{SubQueryTemplateIndexes: []int{0}},
			}},
		},
	}
}

func TestReceiver_AcceptEnqueuesTasks(t *testing.T) {
	r := newTestReceiver(t)
	resp := r.Accept(sampleBundle(1, 1))
	require.Equal(t, 1, resp.Success)
	require.Equal(t, 1, r.Queue().Len())
}

func TestReceiver_AcceptWrongWorkerRejected(t *testing.T) {
	r := newTestReceiver(t)
	req := sampleBundle(1, 1)
	req.Worker = "worker2"
	resp := r.Accept(req)
	require.Equal(t, 0, resp.Success)
}

func TestReceiver_AcceptDuplicateIsIdempotent(t *testing.T) {
	r := newTestReceiver(t)
	req := sampleBundle(1, 1)

	first := r.Accept(req)
	require.Equal(t, 1, first.Success)
	require.Equal(t, 1, r.Queue().Len())

	second := r.Accept(req)
	require.Equal(t, 1, second.Success)
	require.NotEmpty(t, second.Note)
	require.Equal(t, 1, r.Queue().Len(), "a duplicate bundle must not enqueue a second set of tasks")
}

func TestReceiver_AcceptUnresolvableFragmentRejected(t *testing.T) {
	r := newTestReceiver(t)
	req := sampleBundle(1, 1)
	req.Jobs[0].QueryFragments[0].SubQueryTemplateIndexes = []int{99}

	resp := r.Accept(req)
	require.Equal(t, 0, resp.Success)
	require.Equal(t, 0, r.Queue().Len())
}

func TestReceiver_AcceptUnsupportedVersionRejected(t *testing.T) {
	r := newTestReceiver(t)
	req := sampleBundle(1, 1)
	req.Version = wire.MaxProtocolVersion + 1

	resp := r.Accept(req)
	require.Equal(t, 0, resp.Success)
}

func TestReceiver_AcceptThreadsRowCapIntoTasks(t *testing.T) {
	r := newTestReceiver(t)
	req := sampleBundle(1, 1)
	req.RowLimit = wire.FlexInt(10)
	req.MaxTableSizeMB = wire.FlexInt(2)

	resp := r.Accept(req)
	require.Equal(t, 1, resp.Success)

	tk, ok := r.Queue().Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, int64(10), tk.RowLimit)
	require.Equal(t, int64(2<<20), tk.MaxResultBytes)
}

func TestReceiver_AbandonForDeadCoordinatorCancelsRunningTasks(t *testing.T) {
	r := newTestReceiver(t)
	req := sampleBundle(1, 1)
	r.Accept(req)

	tk, ok := r.Queue().Dequeue(context.Background())
	require.True(t, ok)
	tk.cancel = func() { tk.setState(stratoq.TaskCancelled) }
	tk.setState(stratoq.TaskRunning)

	r.abandonForCoordinator("czar1")
	require.Equal(t, stratoq.TaskCancelled, tk.State(), "abandoning a dead coordinator's bundle must cancel its running tasks")
}
