package replication

import (
	"context"
	"log"
	"time"

	"libralink/internal/protocol"
	"libralink/internal/supervisor"
)

// Snapshotter writes a backup of the local catalog.
type Snapshotter interface {
	Backup(ctx context.Context) (string, error)
}

// Monitor drains peer heartbeats, applies the timeout rule and triggers
// resync when the peer comes back. Resync runs on its own goroutine, apart
// from heartbeat reading.
type Monitor struct {
	cfg        Config
	tracker    *Tracker
	replicator *Replicator
	snapshots  Snapshotter

	heartbeats chan protocol.Heartbeat
	// resyncs coalesces requests while a resync is running.
	resyncs chan struct{}
	// sawFirst is only touched by the monitor loop.
	sawFirst bool
}

func NewMonitor(cfg Config, tracker *Tracker, replicator *Replicator, snapshots Snapshotter) *Monitor {
	return &Monitor{
		cfg:        cfg.withDefaults(),
		tracker:    tracker,
		replicator: replicator,
		snapshots:  snapshots,
		heartbeats: make(chan protocol.Heartbeat, 16),
		resyncs:    make(chan struct{}, 1),
	}
}

// Deliver hands a received heartbeat to the monitor without blocking.
// Heartbeats arriving while the buffer is full are dropped; a later one
// carries the same information.
func (m *Monitor) Deliver(hb protocol.Heartbeat) {
	select {
	case m.heartbeats <- hb:
	default:
	}
}

// Step is one monitor tick: wait up to the poll interval for a heartbeat,
// then check the timeout.
func (m *Monitor) Step(ctx context.Context) supervisor.Result {
	t := time.NewTimer(m.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return supervisor.Done()
	case hb := <-m.heartbeats:
		m.onHeartbeat(hb)
	case <-t.C:
	}

	m.checkTimeout(ctx)
	return supervisor.Done()
}

func (m *Monitor) onHeartbeat(hb protocol.Heartbeat) {
	recovered := m.tracker.ObserveHeartbeat()
	first := !m.sawFirst
	m.sawFirst = true

	switch {
	case recovered:
		log.Printf("[%s] peer %s recovered", m.cfg.Site, hb.Site)
	case first && m.replicator.Backlog() > 0:
		log.Printf("[%s] first heartbeat from %s with %d pending operations", m.cfg.Site, hb.Site, m.replicator.Backlog())
	default:
		return
	}
	m.requestResync()
}

func (m *Monitor) requestResync() {
	select {
	case m.resyncs <- struct{}{}:
	default:
	}
}

// resyncLoop replays the pending queue each time a resync is requested,
// until ctx is done. A failed resync waits for the next recovery.
func (m *Monitor) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.resyncs:
		}
		if _, err := m.replicator.Resync(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[%s] resync failed: %v", m.cfg.Site, err)
		}
	}
}

func (m *Monitor) checkTimeout(ctx context.Context) {
	isolated, silence := m.tracker.CheckTimeout(m.cfg.PeerTimeout)
	if !isolated {
		return
	}
	log.Printf("[%s] no heartbeat for %.1fs, peer down, serving alone", m.cfg.Site, silence.Seconds())
	if m.snapshots == nil {
		return
	}
	path, err := m.snapshots.Backup(ctx)
	if err != nil {
		log.Printf("[%s] backup failed: %v", m.cfg.Site, err)
		return
	}
	log.Printf("[%s] backup written to %s", m.cfg.Site, path)
}

// Run supervises the monitor loop until ctx is done. It returns once the
// resync goroutine has stopped touching the pending queue.
func (m *Monitor) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.resyncLoop(ctx)
	}()
	err := supervisor.Run(ctx, m.cfg.Site+"/monitor", m.Step, supervisor.Policy{})
	<-done
	return err
}

// Emitter broadcasts this site's heartbeat on a fixed interval regardless
// of the peer's state.
type Emitter struct {
	cfg  Config
	peer Peer
	// failing is only touched by the emitter loop.
	failing bool
}

func NewEmitter(cfg Config, peer Peer) *Emitter {
	return &Emitter{cfg: cfg.withDefaults(), peer: peer}
}

// Beat sends one heartbeat. Failures are expected while the peer is down.
func (e *Emitter) Beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HeartbeatInterval)
	defer cancel()
	return e.peer.Heartbeat(ctx, protocol.Heartbeat{
		Site:      e.cfg.Site,
		Timestamp: protocol.EpochOf(e.cfg.Now()),
		Status:    "activo",
	})
}

// Step sends a heartbeat and waits for the next interval. Only the first
// failure of a run of failures is logged.
func (e *Emitter) Step(ctx context.Context) supervisor.Result {
	switch err := e.Beat(ctx); {
	case err != nil && !e.failing && ctx.Err() == nil:
		e.failing = true
		log.Printf("[%s] heartbeat to peer failed: %v", e.cfg.Site, err)
	case err == nil && e.failing:
		e.failing = false
		log.Printf("[%s] heartbeat to peer restored", e.cfg.Site)
	}

	t := time.NewTimer(e.cfg.HeartbeatInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return supervisor.Done()
}

func (e *Emitter) Run(ctx context.Context) error {
	return supervisor.Run(ctx, e.cfg.Site+"/heartbeat", e.Step, supervisor.Policy{})
}
