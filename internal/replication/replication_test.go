package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"libralink/internal/circulation"
	"libralink/internal/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakePeer hangs until the caller gives up while down, and records every
// operation it acknowledges.
type fakePeer struct {
	mu         sync.Mutex
	down       bool
	failAt     map[string]bool
	delay      time.Duration
	hbErr      error
	attempts   int
	received   []protocol.Envelope
	heartbeats []protocol.Heartbeat
}

func (p *fakePeer) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *fakePeer) Replicate(ctx context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	p.attempts++
	down := p.down || p.failAt[env.Payload.Code]
	delay := p.delay
	p.mu.Unlock()

	if down {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, env)
	return nil
}

func (p *fakePeer) Heartbeat(_ context.Context, hb protocol.Heartbeat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hbErr != nil {
		return p.hbErr
	}
	p.heartbeats = append(p.heartbeats, hb)
	return nil
}

func (p *fakePeer) failHeartbeats(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbErr = err
}

func (p *fakePeer) codes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.received {
		out = append(out, e.Payload.Code)
	}
	return out
}

type countingSnapshotter struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSnapshotter) Backup(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Sprintf("backup_%d", s.calls), nil
}

func (s *countingSnapshotter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	cfg        Config
	clock      *fakeClock
	peer       *fakePeer
	pending    *PendingQueue
	tracker    *Tracker
	replicator *Replicator
	monitor    *Monitor
	snapshots  *countingSnapshotter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig("SedeA")
	cfg.ReplicationTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ResyncRate = rate.Inf
	cfg.Now = clock.Now

	pending, err := OpenPendingQueue(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pending.Close() })

	peer := &fakePeer{failAt: map[string]bool{}}
	tracker := NewTracker(clock.Now)
	rep := NewReplicator(cfg, peer, pending, tracker)
	snaps := &countingSnapshotter{}
	monitor := NewMonitor(cfg, tracker, rep, snaps)
	startResyncs(t, monitor)
	return &fixture{
		cfg:        cfg,
		clock:      clock,
		peer:       peer,
		pending:    pending,
		tracker:    tracker,
		replicator: rep,
		monitor:    monitor,
		snapshots:  snaps,
	}
}

// startResyncs runs the resync goroutine for tests that drive Step by hand.
func startResyncs(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.resyncLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev, flags := log.Writer(), log.Flags()
	log.SetOutput(buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prev)
		log.SetFlags(flags)
	})
	return buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func op(kind protocol.Kind, code string) protocol.Envelope {
	env := protocol.NewEnvelope(kind, protocol.LoanRequest{Code: code}, time.Unix(1704067200, 0))
	env.RequestID = "req-" + code
	return env
}

func TestRepeatedTimeoutsQueueOperationOnce(t *testing.T) {
	f := newFixture(t)
	f.peer.setDown(true)
	ctx := context.Background()
	env := op(protocol.KindLoan, "B1")

	err := f.replicator.Send(ctx, env)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.False(t, f.tracker.PeerAlive(), "peer is down right after the first failure")

	assert.Error(t, f.replicator.Send(ctx, env))
	assert.Error(t, f.replicator.Send(ctx, env))

	items, err := f.pending.Snapshot()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "req-B1", items[0].Envelope.RequestID)
}

func TestResyncReplaysInOrderExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.peer.setDown(true)

	codes := []string{"B1", "B2", "B3", "B4", "B5"}
	for _, c := range codes {
		f.replicator.Send(ctx, op(protocol.KindLoan, c))
	}
	require.Equal(t, 5, f.pending.Len())
	require.False(t, f.tracker.PeerAlive())

	f.peer.setDown(false)
	f.monitor.Deliver(protocol.Heartbeat{Site: "SedeB", Status: "activo"})
	res := f.monitor.Step(ctx)
	require.False(t, res.Failed(), res.String())

	assert.True(t, f.tracker.PeerAlive())
	require.Eventually(t, func() bool { return f.pending.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, codes, f.peer.codes())

	// A second heartbeat does not replay anything again.
	f.monitor.Deliver(protocol.Heartbeat{Site: "SedeB", Status: "activo"})
	f.monitor.Step(ctx)
	assert.Never(t, func() bool { return len(f.peer.codes()) != len(codes) }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestResyncRequeuesFromFirstFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.peer.setDown(true)
	for _, c := range []string{"B1", "B2", "B3", "B4"} {
		f.replicator.Send(ctx, op(protocol.KindReturn, c))
	}

	f.peer.setDown(false)
	f.peer.failAt["B3"] = true

	sent, err := f.replicator.Resync(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"B1", "B2"}, f.peer.codes())

	items, err := f.pending.Snapshot()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "B3", items[0].Envelope.Payload.Code)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "B4", items[1].Envelope.Payload.Code)
	assert.Equal(t, 0, items[1].Attempts)

	delete(f.peer.failAt, "B3")
	sent, err = f.replicator.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"B1", "B2", "B3", "B4"}, f.peer.codes())
	assert.Equal(t, 0, f.pending.Len())
}

func TestHeartbeatTimeoutFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(9 * time.Second)
	f.monitor.Step(ctx)
	assert.True(t, f.tracker.PeerAlive())

	f.clock.Advance(2 * time.Second)
	for i := 0; i < 5; i++ {
		f.monitor.Step(ctx)
		f.clock.Advance(3 * time.Second)
	}
	assert.False(t, f.tracker.PeerAlive())
	assert.Equal(t, ModeIsolated, f.tracker.State().Mode())
	assert.Equal(t, 1, f.snapshots.count(), "one backup per outage")

	f.monitor.Deliver(protocol.Heartbeat{Site: "SedeB"})
	f.monitor.Step(ctx)
	assert.Equal(t, ModeHealthy, f.tracker.State().Mode())

	f.clock.Advance(11 * time.Second)
	f.monitor.Step(ctx)
	f.monitor.Step(ctx)
	assert.Equal(t, 2, f.snapshots.count())
}

func TestTimeoutStillBacksUpAfterReplicationFailure(t *testing.T) {
	f := newFixture(t)
	f.peer.setDown(true)
	f.replicator.Send(context.Background(), op(protocol.KindLoan, "B1"))
	require.False(t, f.tracker.PeerAlive())

	f.clock.Advance(11 * time.Second)
	f.monitor.Step(context.Background())
	assert.Equal(t, 1, f.snapshots.count())
}

func TestFirstHeartbeatAfterStartDrainsBacklog(t *testing.T) {
	f := newFixture(t)
	_, err := f.pending.Enqueue(op(protocol.KindRenew, "B7"))
	require.NoError(t, err)
	require.True(t, f.tracker.PeerAlive())

	f.monitor.Deliver(protocol.Heartbeat{Site: "SedeB"})
	f.monitor.Step(context.Background())

	require.Eventually(t, func() bool { return f.pending.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"B7"}, f.peer.codes())
}

func TestSlowResyncDoesNotStarveHeartbeats(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("SedeA")
	cfg.PeerTimeout = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReplicationTimeout = 200 * time.Millisecond
	cfg.ResyncRate = rate.Inf

	pending, err := OpenPendingQueue(filepath.Join(dir, "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pending.Close() })
	for i := 0; i < 30; i++ {
		_, err := pending.Enqueue(op(protocol.KindReturn, fmt.Sprintf("B%02d", i)))
		require.NoError(t, err)
	}

	peer := &fakePeer{failAt: map[string]bool{}, delay: 10 * time.Millisecond}
	tracker := NewTracker(nil)
	rep := NewReplicator(cfg, peer, pending, tracker)
	snaps := &countingSnapshotter{}
	m := NewMonitor(cfg, tracker, rep, snaps)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			m.Deliver(protocol.Heartbeat{Site: "SedeB", Status: "activo"})
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool { return pending.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, peer.codes(), 30)
	assert.True(t, tracker.PeerAlive(), "a live peer stays alive during a long resync")
	assert.Zero(t, snaps.count(), "no isolation backup while heartbeats keep arriving")
}

func TestWorkersDeliverAndOverflowGoesToPending(t *testing.T) {
	f := newFixture(t)
	f.replicator.Start()
	f.replicator.Replicate(op(protocol.KindLoan, "B1"))
	require.Eventually(t, func() bool { return len(f.peer.codes()) == 1 }, time.Second, 5*time.Millisecond)
	f.replicator.Stop()

	cfg := f.cfg
	cfg.QueueSize = 1
	stopped := NewReplicator(cfg, f.peer, f.pending, f.tracker)
	stopped.Replicate(op(protocol.KindLoan, "B2"))
	stopped.Replicate(op(protocol.KindLoan, "B3"))
	assert.Equal(t, 1, f.pending.Len(), "second operation overflowed into the pending queue")
	stopped.Stop()
	assert.Equal(t, 2, f.pending.Len(), "queued operations are kept on shutdown")
}

func TestMalformedRejectionIsDropped(t *testing.T) {
	f := newFixture(t)
	peer := &rejectingPeer{}
	rep := NewReplicator(f.cfg, peer, f.pending, f.tracker)

	err := rep.Send(context.Background(), op(protocol.KindLoan, "B1"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Equal(t, 0, f.pending.Len())
	assert.True(t, f.tracker.PeerAlive())
}

type rejectingPeer struct{ fakePeer }

func (p *rejectingPeer) Replicate(context.Context, protocol.Envelope) error {
	return fmt.Errorf("%w: bad", protocol.ErrMalformed)
}

func TestEmitterBeat(t *testing.T) {
	f := newFixture(t)
	e := NewEmitter(f.cfg, f.peer)
	require.NoError(t, e.Beat(context.Background()))

	require.Len(t, f.peer.heartbeats, 1)
	assert.Equal(t, "SedeA", f.peer.heartbeats[0].Site)
	assert.Equal(t, "activo", f.peer.heartbeats[0].Status)
}

func TestEmitterLogsFirstFailureAndRecovery(t *testing.T) {
	logs := captureLog(t)
	f := newFixture(t)
	cfg := f.cfg
	cfg.HeartbeatInterval = time.Millisecond
	e := NewEmitter(cfg, f.peer)
	ctx := context.Background()

	f.peer.failHeartbeats(errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		e.Step(ctx)
	}
	assert.True(t, e.failing)
	assert.Equal(t, 1, strings.Count(logs.String(), "heartbeat to peer failed: connection refused"))

	f.peer.failHeartbeats(nil)
	e.Step(ctx)
	e.Step(ctx)
	assert.False(t, e.failing)
	assert.Equal(t, 1, strings.Count(logs.String(), "heartbeat to peer restored"))

	f.peer.failHeartbeats(errors.New("timeout"))
	e.Step(ctx)
	assert.Contains(t, logs.String(), "heartbeat to peer failed: timeout")
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []protocol.Envelope
	err     error
}

func (a *fakeApplier) ApplyReplicated(_ context.Context, env protocol.Envelope) (circulation.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return circulation.Result{}, a.err
	}
	a.applied = append(a.applied, env)
	return circulation.Result{}, nil
}

func (a *fakeApplier) Site() string { return "SedeB" }

func (a *fakeApplier) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func TestHandlerAppliesReplicationAndQueuesHeartbeats(t *testing.T) {
	f := newFixture(t)
	applier := &fakeApplier{}
	h := NewHandler(applier, f.monitor)
	r := chi.NewRouter()
	h.ReplicationRoutes(r)
	h.HeartbeatRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	body, _ := json.Marshal(protocol.ReplicationRequest{Type: protocol.KindReplicate, Operation: op(protocol.KindLoan, "B1")})
	resp, err := http.Post(srv.URL+"/replicate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var reply protocol.OperationReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	assert.True(t, reply.Success)
	assert.Len(t, applier.applied, 1)

	resp, err = http.Post(srv.URL+"/replicate", "application/json", bytes.NewReader([]byte(`{"tipo":"replicacion"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	applier.fail(errors.New("disk full"))
	resp, err = http.Post(srv.URL+"/replicate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/heartbeat", "application/json", bytes.NewReader([]byte(`{"sede":"SedeA","timestamp":1.5,"estado":"activo"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case hb := <-f.monitor.heartbeats:
		assert.Equal(t, "SedeA", hb.Site)
	default:
		t.Fatal("heartbeat was not handed to the monitor")
	}
}

func TestPendingQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	q, err := OpenPendingQueue(path)
	require.NoError(t, err)

	for _, c := range []string{"B1", "B2"} {
		added, err := q.Enqueue(op(protocol.KindLoan, c))
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := q.Enqueue(op(protocol.KindLoan, "B1"))
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, q.Close())

	q, err = OpenPendingQueue(path)
	require.NoError(t, err)
	defer q.Close()
	items, err := q.Snapshot()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "B1", items[0].Envelope.Payload.Code)
	assert.Less(t, items[0].Seq, items[1].Seq)

	require.NoError(t, q.Remove(items[0].Seq))
	added, err = q.Enqueue(op(protocol.KindLoan, "B1"))
	require.NoError(t, err)
	assert.True(t, added, "a delivered operation may be queued again")
}

func TestPendingQueueKeepsSamePayloadWithDistinctIDs(t *testing.T) {
	q, err := OpenPendingQueue(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	defer q.Close()

	for _, id := range []string{"r-1", "r-2", "r-1"} {
		env := op(protocol.KindReturn, "B2")
		env.RequestID = id
		_, err := q.Enqueue(env)
		require.NoError(t, err)
	}
	items, err := q.Snapshot()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "r-1", items[0].Envelope.RequestID)
	assert.Equal(t, "r-2", items[1].Envelope.RequestID)
}
