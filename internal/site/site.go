// Package site assembles one storage site from its configuration: the
// catalog, the operation log, replication to the peer and the three
// listeners.
package site

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"libralink/internal/catalog"
	"libralink/internal/chaos"
	"libralink/internal/circulation"
	"libralink/internal/clients"
	"libralink/internal/config"
	"libralink/internal/oplog"
	"libralink/internal/replication"
)

const (
	shutdownTimeout = 5 * time.Second
	// logPageSize bounds one page of GET /log.
	logPageSize = 500
)

// Site is one running storage manager with its replication machinery.
type Site struct {
	cfg    config.Site

	store      *catalog.Store
	opLog      oplog.Log
	pending    *replication.PendingQueue
	tracker    *replication.Tracker
	replicator *replication.Replicator
	service    circulation.Service
	pool       *circulation.Pool
	monitor    *replication.Monitor
	emitter    *replication.Emitter
	// faults is nil unless chaos is enabled for the site.
	faults *chaos.FaultTransport

	closeOnce sync.Once
}

// New opens the storage of the named site and wires it to its peer. Nothing
// runs until Serve.
func New(ctx context.Context, cfg config.Config, name string) (*Site, error) {
	sc, err := cfg.Site(name)
	if err != nil {
		return nil, err
	}
	peer, err := cfg.Site(sc.Peer)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", name, err)
	}

	s := &Site{cfg: sc}
	if err := s.open(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	transport := http.DefaultTransport
	if sc.Chaos {
		s.faults = chaos.NewFaultTransport(nil)
		transport = s.faults
	}
	peerClient := clients.NewPeerClient(peer.ReplicationURL, peer.HeartbeatURL, &http.Client{Transport: transport})

	rcfg := replication.DefaultConfig(sc.Name)
	rcfg.HeartbeatInterval = cfg.Timing.HeartbeatInterval
	rcfg.PeerTimeout = cfg.Timing.PeerTimeout
	rcfg.PollInterval = cfg.Timing.MonitorPoll
	rcfg.ReplicationTimeout = cfg.Timing.ReplicationTimeout
	rcfg.Workers = cfg.Timing.ReplicationWorkers
	rcfg.QueueSize = cfg.Timing.ReplicationQueue

	ccfg := circulation.DefaultConfig(sc.Name)
	ccfg.Workers = cfg.Timing.Workers
	ccfg.LoanWindow = cfg.Timing.LoanWindow
	ccfg.RenewalDays = cfg.Timing.RenewalDays

	s.tracker = replication.NewTracker(nil)
	s.replicator = replication.NewReplicator(rcfg, peerClient, s.pending, s.tracker)
	s.service = circulation.NewService(ccfg, s.store, s.opLog, s.replicator)
	s.pool = circulation.NewPool(s.service, ccfg.Workers)
	s.monitor = replication.NewMonitor(rcfg, s.tracker, s.replicator, s.service)
	s.emitter = replication.NewEmitter(rcfg, peerClient)
	return s, nil
}

func (s *Site) open(ctx context.Context) error {
	var backend catalog.Backend
	switch s.cfg.Catalog.Backend {
	case config.CatalogSQLite:
		db, err := catalog.NewSQLite(s.cfg.Catalog.Path)
		if err != nil {
			return err
		}
		backend = db
	default:
		backend = catalog.NewTextFile(s.cfg.Catalog.Path, s.cfg.Catalog.ReplicaPath)
	}
	store, err := catalog.Open(backend)
	if err != nil {
		backend.Close()
		return fmt.Errorf("open catalog: %w", err)
	}
	s.store = store
	log.Printf("[%s] catalog ready with %d books", s.cfg.Name, store.Len())

	switch s.cfg.OpLog.Backend {
	case config.OpLogPostgres:
		db, err := sql.Open("postgres", s.cfg.OpLog.DSN)
		if err != nil {
			return fmt.Errorf("open operation log database: %w", err)
		}
		pg, err := oplog.NewPostgresLog(ctx, db)
		if err != nil {
			db.Close()
			return err
		}
		s.opLog = pg
	default:
		fl, err := oplog.OpenFile(s.cfg.OpLog.Path)
		if err != nil {
			return fmt.Errorf("open operation log: %w", err)
		}
		s.opLog = fl
	}

	pending, err := replication.OpenPendingQueue(s.cfg.PendingPath)
	if err != nil {
		return err
	}
	s.pending = pending
	if n := pending.Len(); n > 0 {
		log.Printf("[%s] %d operations pending from a previous run", s.cfg.Name, n)
	}
	return nil
}

func (s *Site) Name() string                 { return s.cfg.Name }
func (s *Site) Service() circulation.Service { return s.service }

// Faults returns the peer client's fault transport, or nil.
func (s *Site) Faults() *chaos.FaultTransport { return s.faults }

// Status reports the replication state and pending backlog.
func (s *Site) Status() replication.Status {
	return s.tracker.State().Status(s.cfg.Name, s.replicator.Backlog())
}

// ClientHandler serves the request channel, the catalog views, the status
// endpoint, the operation log and, with chaos enabled, the fault controls.
func (s *Site) ClientHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	circulation.NewHandler(s.service, s.pool).Routes(r)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/log", s.handleLog)
	if s.faults != nil {
		s.faults.AdminRoutes(r, s.cfg.Name)
	}
	return r
}

// handleLog pages through the operation log: entries with an id above
// ?after=, at most ?limit= of them.
func (s *Site) handleLog(w http.ResponseWriter, r *http.Request) {
	var after int64
	limit := logPageSize
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, logPageSize)
	}

	entries, err := s.opLog.Entries(r.Context(), after, limit)
	if err != nil {
		log.Printf("[%s] read operation log: %v", s.cfg.Name, err)
		http.Error(w, "operation log unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []oplog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Site) ReplicationHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	replication.NewHandler(s.service, s.monitor).ReplicationRoutes(r)
	return r
}

func (s *Site) HeartbeatHandler() http.Handler {
	r := chi.NewRouter()
	replication.NewHandler(s.service, s.monitor).HeartbeatRoutes(r)
	return r
}

// Listeners are the three sockets a site serves on.
type Listeners struct {
	Client      net.Listener
	Replication net.Listener
	Heartbeat   net.Listener
}

// Listen binds the configured addresses of sc.
func Listen(sc config.Site) (Listeners, error) {
	var ls Listeners
	var err error
	if ls.Client, err = net.Listen("tcp", sc.ClientAddr); err != nil {
		return Listeners{}, fmt.Errorf("listen client %s: %w", sc.ClientAddr, err)
	}
	if ls.Replication, err = net.Listen("tcp", sc.ReplicationAddr); err != nil {
		ls.Client.Close()
		return Listeners{}, fmt.Errorf("listen replication %s: %w", sc.ReplicationAddr, err)
	}
	if ls.Heartbeat, err = net.Listen("tcp", sc.HeartbeatAddr); err != nil {
		ls.Client.Close()
		ls.Replication.Close()
		return Listeners{}, fmt.Errorf("listen heartbeat %s: %w", sc.HeartbeatAddr, err)
	}
	return ls, nil
}

// Serve runs the site until ctx is done, then shuts the listeners down,
// drains the workers, moves undelivered replications to the pending queue
// and closes the storage.
func (s *Site) Serve(ctx context.Context, ls Listeners) error {
	s.replicator.Start()
	s.pool.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	servers := []*http.Server{
		{Handler: s.ClientHandler()},
		{Handler: s.ReplicationHandler()},
		{Handler: s.HeartbeatHandler()},
	}
	listeners := []net.Listener{ls.Client, ls.Replication, ls.Heartbeat}

	errc := make(chan error, len(servers)+2)
	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server, l net.Listener) {
			defer wg.Done()
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}(srv, listeners[i])
	}

	var loops sync.WaitGroup
	for _, run := range []func(context.Context) error{s.monitor.Run, s.emitter.Run} {
		loops.Add(1)
		go func(run func(context.Context) error) {
			defer loops.Done()
			if err := run(runCtx); err != nil {
				errc <- err
			}
		}(run)
	}
	log.Printf("[%s] serving clients on %s, replication on %s, heartbeats on %s",
		s.cfg.Name, ls.Client.Addr(), ls.Replication.Addr(), ls.Heartbeat.Addr())

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Printf("[%s] stopping after failure: %v", s.cfg.Name, err)
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	loops.Wait()

	s.pool.Stop()
	s.replicator.Stop()
	log.Printf("[%s] stopped with %d operations pending", s.cfg.Name, s.pending.Len())
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the storage. Serve calls it on the way out.
func (s *Site) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.closeStorage() })
	return err
}

func (s *Site) closeStorage() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.opLog != nil {
		errs = append(errs, s.opLog.Close())
	}
	if s.pending != nil {
		errs = append(errs, s.pending.Close())
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
