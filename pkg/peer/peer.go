// Package peer implements the liveness and notice-queue bookkeeping shared
// by both ends of the coordinator/worker relationship. It is role-agnostic:
// a coordinator instantiates a Tracker[string] keyed by worker_id, a worker
// instantiates one keyed by coordinator_id, and each side wraps it with its
// own on-restart/on-dead callbacks.
package peer

import (
	"sync"
	"time"
)

// Liveness mirrors the ALIVE/DEAD classification a Tracker derives from
// last_touch.
type Liveness int

const (
	Alive Liveness = iota
	Dead
)

func (l Liveness) String() string {
	if l == Alive {
		return "ALIVE"
	}
	return "DEAD"
}

// DefaultDeadAfter is T_dead: the round-trip silence after which a peer is
// considered DEAD.
const DefaultDeadAfter = 60 * time.Second

// DefaultNoticeLifetime is L: the maximum age a notice-queue entry is kept
// before being dropped unacknowledged.
const DefaultNoticeLifetime = 300 * time.Second

// NoticeKind names one of the three per-peer notice queues.
type NoticeKind int

const (
	DeleteFiles NoticeKind = iota
	KeepFiles
	DeadBundles
)

// notice is one queued id plus the time it was enqueued, used for L-based
// compaction.
type notice struct {
	id int64
	at time.Time
}

// Record is the per-peer state a Tracker holds: contact info, liveness
// bookkeeping, and the three notice queues.
type Record struct {
	mu sync.Mutex

	Host         string
	Port         int
	StartupEpoch int64

	lastTouch          time.Time
	thoughtPeerWasDead bool
	deathNotified      bool

	queues [3]map[int64]notice
}

func newRecord(host string, port int, epoch int64, now time.Time) *Record {
	r := &Record{Host: host, Port: port, StartupEpoch: epoch, lastTouch: now}
	for i := range r.queues {
		r.queues[i] = make(map[int64]notice)
	}
	return r
}

// Liveness reports ALIVE/DEAD relative to now and deadAfter, without taking
// the lock (caller already holds it) — used internally by Tracker methods.
func (r *Record) liveness(now time.Time, deadAfter time.Duration) Liveness {
	if now.Sub(r.lastTouch) < deadAfter {
		return Alive
	}
	return Dead
}

// Snapshot is a lock-free copy of a Record's externally visible state,
// returned by Tracker.Snapshot so callers can inspect a peer without holding
// its lock across an HTTP call.
type Snapshot struct {
	PeerID             string
	Host               string
	Port               int
	StartupEpoch       int64
	Liveness           Liveness
	ThoughtPeerWasDead bool
	DeleteFiles        map[int64]time.Time
	KeepFiles          map[int64]time.Time
	DeadBundles        map[int64]time.Time
}

// OnRestart is invoked after a peer's startup_epoch change has been applied
// and the peer's lock released.
type OnRestart func(peerID string)

// OnDeath is invoked the moment a liveness sweep (Sweep) first observes a
// peer DEAD; Touch never invokes it.
type OnDeath func(peerID string)

// Tracker is the generic, role-agnostic peer tracker: a map of peer
// id (string, for both worker_id and coordinator_id) to Record, with
// liveness derived from last_touch and T_dead.
type Tracker[K comparable] struct {
	mu   sync.RWMutex
	now  func() time.Time
	dead time.Duration
	life time.Duration

	peers map[K]*Record

	onRestart OnRestart
	onDeath   OnDeath
}

// New builds a Tracker using wall-clock time and the stock defaults.
func New[K comparable]() *Tracker[K] {
	return &Tracker[K]{
		now:   time.Now,
		dead:  DefaultDeadAfter,
		life:  DefaultNoticeLifetime,
		peers: make(map[K]*Record),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (t *Tracker[K]) WithClock(now func() time.Time) *Tracker[K] {
	t.now = now
	return t
}

// WithDeadAfter overrides T_dead.
func (t *Tracker[K]) WithDeadAfter(d time.Duration) *Tracker[K] {
	t.dead = d
	return t
}

// WithNoticeLifetime overrides L.
func (t *Tracker[K]) WithNoticeLifetime(d time.Duration) *Tracker[K] {
	t.life = d
	return t
}

// OnRestart registers the callback fired when a known peer's startup_epoch
// changes.
func (t *Tracker[K]) OnRestart(fn OnRestart) { t.onRestart = fn }

// OnDeath registers the callback fired the moment a peer is first observed
// DEAD.
func (t *Tracker[K]) OnDeath(fn OnDeath) { t.onDeath = fn }

func (t *Tracker[K]) recordFor(id K, host string, port int, epoch int64) *Record {
	t.mu.Lock()
	r, ok := t.peers[id]
	if !ok {
		r = newRecord(host, port, epoch, t.now())
		t.peers[id] = r
	}
	t.mu.Unlock()
	return r
}

// idKey renders a generic K as a string for callback signatures; Tracker is
// parameterised over K so both roles can use their own native id type, but
// callbacks always see the string form since that is what goes on the wire.
func idKey[K comparable](id K) string {
	return toString(id)
}

func toString[K comparable](id K) string {
	if s, ok := any(id).(string); ok {
		return s
	}
	return ""
}

// Touch records a successful round trip with a peer: updates last_touch,
// detects a startup_epoch change (discarding per-peer state except contact
// info), and detects a DEAD→ALIVE transition (setting thought_peer_was_dead).
// It returns the liveness the peer had immediately BEFORE this touch.
func (t *Tracker[K]) Touch(id K, host string, port int, epoch int64) Liveness {
	r := t.recordFor(id, host, port, epoch)

	r.mu.Lock()
	now := t.now()
	prev := r.liveness(now, t.dead)
	restarted := r.StartupEpoch != 0 && epoch != 0 && r.StartupEpoch != epoch

	if restarted {
		for i := range r.queues {
			r.queues[i] = make(map[int64]notice)
		}
		r.thoughtPeerWasDead = false
	}
	if prev == Dead {
		r.thoughtPeerWasDead = true
	}
	r.deathNotified = false

	r.Host = host
	r.Port = port
	r.StartupEpoch = epoch
	r.lastTouch = now
	r.mu.Unlock()

	if restarted && t.onRestart != nil {
		t.onRestart(idKey(id))
	}
	return prev
}

// Seed installs a peer record from persisted contact info without marking
// it freshly alive — used at process start-up to rebuild PeerTracker state
// from MetadataStore before the first live status exchange. It is a no-op if the peer is already known, since a live Touch
// always supersedes a cold seed.
func (t *Tracker[K]) Seed(id K, host string, port int, epoch int64, lastTouch time.Time) {
	t.mu.Lock()
	if _, ok := t.peers[id]; ok {
		t.mu.Unlock()
		return
	}
	r := newRecord(host, port, epoch, lastTouch)
	t.peers[id] = r
	t.mu.Unlock()
}

// Liveness reports a peer's current liveness; an unknown peer is DEAD.
func (t *Tracker[K]) Liveness(id K) Liveness {
	t.mu.RLock()
	r, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return Dead
	}
	r.mu.Lock()
	l := r.liveness(t.now(), t.dead)
	r.mu.Unlock()
	return l
}

// ThoughtPeerWasDead reports and clears the peer's thought_peer_was_dead
// flag — the caller is expected to send it on the next outbound status
// message, at which point it is consumed.
func (t *Tracker[K]) ThoughtPeerWasDead(id K) bool {
	t.mu.RLock()
	r, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	v := r.thoughtPeerWasDead
	r.thoughtPeerWasDead = false
	r.mu.Unlock()
	return v
}

// Notify enqueues an id onto one of a peer's three notice queues.
func (t *Tracker[K]) Notify(id K, kind NoticeKind, noticeID int64) {
	t.mu.RLock()
	r, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.queues[kind][noticeID] = notice{id: noticeID, at: t.now()}
	r.mu.Unlock()
}

// Compact drops entries older than L from every queue of a peer, and is
// called on every status-exchange round trip.
func (t *Tracker[K]) Compact(id K) {
	t.mu.RLock()
	r, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	now := t.now()
	r.mu.Lock()
	for i := range r.queues {
		for k, n := range r.queues[i] {
			if now.Sub(n.at) > t.life {
				delete(r.queues[i], k)
			}
		}
	}
	r.mu.Unlock()
}

// Ack removes acknowledged ids from a peer's queue — called after a status
// exchange reply lists what the remote side acted on.
func (t *Tracker[K]) Ack(id K, kind NoticeKind, ids []int64) {
	t.mu.RLock()
	r, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	for _, n := range ids {
		delete(r.queues[kind], n)
	}
	r.mu.Unlock()
}

// Snapshot copies out a peer's state without holding its lock past the
// call, so the caller is free to make an HTTP request against it.
func (t *Tracker[K]) Snapshot(id K) (Snapshot, bool) {
	t.mu.RLock()
	r, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		PeerID:             idKey(id),
		Host:               r.Host,
		Port:               r.Port,
		StartupEpoch:       r.StartupEpoch,
		Liveness:           r.liveness(t.now(), t.dead),
		ThoughtPeerWasDead: r.thoughtPeerWasDead,
		DeleteFiles:        queueTimes(r.queues[DeleteFiles]),
		KeepFiles:          queueTimes(r.queues[KeepFiles]),
		DeadBundles:        queueTimes(r.queues[DeadBundles]),
	}
	return s, true
}

func queueTimes(q map[int64]notice) map[int64]time.Time {
	out := make(map[int64]time.Time, len(q))
	for k, n := range q {
		out[k] = n.at
	}
	return out
}

// Sweep evaluates every known peer's liveness against now, firing onDeath
// for peers observed transitioning ALIVE→DEAD since the last sweep, and
// returns the ids currently DEAD. It is meant to be driven by a periodic
// ticker independent of the status-exchange loop, so a peer that simply
// stops being talked to (as opposed to replying) is still detected.
func (t *Tracker[K]) Sweep() []K {
	t.mu.RLock()
	ids := make([]K, 0, len(t.peers))
	records := make([]*Record, 0, len(t.peers))
	for id, r := range t.peers {
		ids = append(ids, id)
		records = append(records, r)
	}
	t.mu.RUnlock()

	now := t.now()
	var dead []K
	for i, r := range records {
		r.mu.Lock()
		isDead := r.liveness(now, t.dead) == Dead
		fireDeath := isDead && !r.deathNotified
		if fireDeath {
			r.deathNotified = true
		}
		r.mu.Unlock()
		if isDead {
			dead = append(dead, ids[i])
			if fireDeath && t.onDeath != nil {
				t.onDeath(idKey(ids[i]))
			}
		}
	}
	return dead
}

// Remove drops a peer entirely, e.g. when it is administratively retired.
func (t *Tracker[K]) Remove(id K) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

// Len reports the number of peers currently tracked.
func (t *Tracker[K]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Keys returns every peer id the Tracker currently holds a Record for,
// letting a caller drive a status-exchange loop over all known peers
// without a separate roster.
func (t *Tracker[K]) Keys() []K {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]K, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}
