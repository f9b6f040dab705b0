package site

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralink/internal/catalog"
	"libralink/internal/chaos"
	"libralink/internal/clients"
	"libralink/internal/config"
	"libralink/internal/journal"
	"libralink/internal/oplog"
	"libralink/internal/protocol"
)

const seedCatalog = `codigo|titulo|autor|ejemplares|sede
B1|Ficciones|Jorge Luis Borges|3|SedeA
B2|Rayuela|Julio Cortázar|2|SedeA
LAST|Pedro Páramo|Juan Rulfo|1|SedeB
`

type pair struct {
	cfg  config.Config
	a, b *Site
	// clients reach each site's request channel.
	clients map[string]*clients.SiteClient
	urls    map[string]string
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l, "http://" + l.Addr().String()
}

func siteConfig(t *testing.T, dir, name, peer, backend string) (config.Site, Listeners) {
	t.Helper()
	var ls Listeners
	sc := config.Site{Name: name, Peer: peer, Chaos: true}
	ls.Client, sc.ClientURL = listen(t)
	ls.Replication, sc.ReplicationURL = listen(t)
	ls.Heartbeat, sc.HeartbeatURL = listen(t)

	seed := filepath.Join(dir, "seed_"+name+".txt")
	require.NoError(t, os.WriteFile(seed, []byte(seedCatalog), 0o644))

	sc.Catalog.Backend = backend
	switch backend {
	case config.CatalogSQLite:
		sc.Catalog.Path = filepath.Join(dir, "BD_"+name+".db")
		records, err := catalog.NewTextFile(seed, "").Load()
		require.NoError(t, err)
		db, err := catalog.NewSQLite(sc.Catalog.Path)
		require.NoError(t, err)
		require.NoError(t, catalog.Import(db, records))
		require.NoError(t, db.Close())
	default:
		sc.Catalog.Path = seed
	}
	sc.OpLog = config.OpLog{Backend: config.OpLogFile, Path: filepath.Join(dir, "operaciones_"+name+".jsonl")}
	sc.PendingPath = filepath.Join(dir, "pending_"+name+".db")
	return sc, ls
}

// startPair runs SedeA on a text catalog and SedeB on sqlite, seeded with
// the same books, with short timing.
func startPair(t *testing.T) *pair {
	t.Helper()
	dir := t.TempDir()

	sa, la := siteConfig(t, dir, "SedeA", "SedeB", config.CatalogText)
	sb, lb := siteConfig(t, dir, "SedeB", "SedeA", config.CatalogSQLite)

	cfg := config.Default()
	cfg.Sites = []config.Site{sa, sb}
	cfg.Timing.HeartbeatInterval = 20 * time.Millisecond
	cfg.Timing.PeerTimeout = 200 * time.Millisecond
	cfg.Timing.MonitorPoll = 10 * time.Millisecond
	cfg.Timing.ReplicationTimeout = 200 * time.Millisecond
	cfg.Timing.ReplicationQueue = 64
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	p := &pair{cfg: cfg, clients: map[string]*clients.SiteClient{}, urls: map[string]string{}}

	var err error
	p.a, err = New(ctx, cfg, "SedeA")
	require.NoError(t, err)
	p.b, err = New(ctx, cfg, "SedeB")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, run := range []struct {
		s  *Site
		ls Listeners
	}{{p.a, la}, {p.b, lb}} {
		wg.Add(1)
		go func(s *Site, ls Listeners) {
			defer wg.Done()
			assert.NoError(t, s.Serve(ctx, ls))
		}(run.s, run.ls)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for _, sc := range cfg.Sites {
		p.urls[sc.Name] = sc.ClientURL
		p.clients[sc.Name] = clients.NewSiteClient(sc.ClientURL, nil)
	}
	return p
}

func (p *pair) send(t *testing.T, site string, kind protocol.Kind, req protocol.LoanRequest) protocol.Reply {
	t.Helper()
	return p.sendID(t, site, "", kind, req)
}

func (p *pair) sendID(t *testing.T, site, id string, kind protocol.Kind, req protocol.LoanRequest) protocol.Reply {
	t.Helper()
	env := protocol.NewEnvelope(kind, req, time.Now())
	env.RequestID = id
	reply, err := p.clients[site].Send(context.Background(), env)
	require.NoError(t, err)
	return reply
}

func copies(s *Site, code string) int {
	rec, ok := s.Service().Book(context.Background(), code)
	if !ok {
		return -100
	}
	return rec.AvailableCopies
}

func TestLoanReplicatesToPeer(t *testing.T) {
	p := startPair(t)

	reply := p.send(t, "SedeA", protocol.KindLoan, protocol.LoanRequest{Code: "B1"})
	require.True(t, reply.Success, reply.Message)
	require.NotNil(t, reply.Copies)
	assert.Equal(t, 2, *reply.Copies)

	assert.Eventually(t, func() bool { return copies(p.b, "B1") == 2 }, 2*time.Second, 10*time.Millisecond)

	avail := p.send(t, "SedeB", protocol.KindCheckAvailability, protocol.LoanRequest{Code: "B1"})
	assert.True(t, avail.Available)
}

func TestStatusEndpoint(t *testing.T) {
	p := startPair(t)
	probe := chaos.NewProbe("SedeA", p.urls["SedeA"])

	st, err := probe.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SedeA", st.Site)
	assert.True(t, st.PeerAlive)
	assert.True(t, st.IsPrimary)
	assert.Zero(t, st.Pending)

	books, err := probe.Books(context.Background())
	require.NoError(t, err)
	assert.Len(t, books, 3)
}

func TestPartitionQueuesThenResyncsAfterHeal(t *testing.T) {
	p := startPair(t)
	ctx := context.Background()
	a, b := chaos.NewProbe("SedeA", p.urls["SedeA"]), chaos.NewProbe("SedeB", p.urls["SedeB"])

	require.NoError(t, a.Partition(ctx))
	require.NoError(t, b.Partition(ctx))

	for i := 0; i < 3; i++ {
		reply := p.sendID(t, "SedeA", fmt.Sprintf("partition-return-%d", i), protocol.KindReturn, protocol.LoanRequest{Code: "B2"})
		require.True(t, reply.Success, reply.Message)
	}
	assert.Equal(t, 5, copies(p.a, "B2"), "operations keep succeeding locally")

	assert.Eventually(t, func() bool {
		st := p.a.Status()
		return !st.PeerAlive && st.Pending == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, copies(p.b, "B2"))

	assert.Eventually(t, func() bool {
		backups, _ := filepath.Glob(p.cfg.Sites[0].Catalog.Path + ".backup_*")
		return len(backups) > 0
	}, 2*time.Second, 10*time.Millisecond, "isolation writes a catalog backup")

	require.NoError(t, a.Heal(ctx))
	require.NoError(t, b.Heal(ctx))

	assert.Eventually(t, func() bool {
		st := p.a.Status()
		return st.PeerAlive && st.Pending == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return copies(p.b, "B2") == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestReturnsWithoutIDWithinOneSecondAllReachPeer(t *testing.T) {
	p := startPair(t)
	ctx := context.Background()
	a, b := chaos.NewProbe("SedeA", p.urls["SedeA"]), chaos.NewProbe("SedeB", p.urls["SedeB"])

	require.NoError(t, a.Partition(ctx))
	require.NoError(t, b.Partition(ctx))

	at := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		env := protocol.NewEnvelope(protocol.KindReturn, protocol.LoanRequest{Code: "B2"}, at)
		reply, err := p.clients["SedeA"].Send(ctx, env)
		require.NoError(t, err)
		require.True(t, reply.Success, reply.Message)
	}
	assert.Eventually(t, func() bool { return p.a.Status().Pending == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Heal(ctx))
	require.NoError(t, b.Heal(ctx))
	assert.Eventually(t, func() bool {
		return p.a.Status().Pending == 0 && copies(p.b, "B2") == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRenewalAdvancesDueDateOnBothSites(t *testing.T) {
	p := startPair(t)
	due, err := protocol.ParseDate("2024-03-01T10:00:00")
	require.NoError(t, err)

	reply := p.send(t, "SedeA", protocol.KindRenew, protocol.LoanRequest{Code: "B1", DueDate: due})
	require.True(t, reply.Success, reply.Message)
	require.NotNil(t, reply.DueDate)
	want := due.AddDays(7)
	assert.Equal(t, want.String(), reply.DueDate.String())

	peerLog := p.cfg.Sites[1].OpLog.Path
	assert.Eventually(t, func() bool {
		entries, err := journal.ReadAll[oplog.Entry](peerLog, nil)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Type == oplog.TypeRenewal && e.Replicated && e.DueDate.String() == want.String() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLastCopyRaceNeverGoesNegative(t *testing.T) {
	p := startPair(t)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for _, name := range []string{"SedeA", "SedeB"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			env := protocol.NewEnvelope(protocol.KindLoan, protocol.LoanRequest{Code: "LAST"}, time.Now())
			env.RequestID = fmt.Sprintf("race-%s", name)
			reply, err := p.clients[name].Send(context.Background(), env)
			results <- err == nil && reply.Success
		}(name)
	}
	wg.Wait()
	close(results)

	granted := 0
	for ok := range results {
		if ok {
			granted++
		}
	}
	assert.GreaterOrEqual(t, granted, 1)

	assert.Eventually(t, func() bool {
		return copies(p.a, "LAST") == 0 && copies(p.b, "LAST") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return copies(p.a, "LAST") < 0 || copies(p.b, "LAST") < 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestOperationLogRoute(t *testing.T) {
	p := startPair(t)
	for i := 0; i < 3; i++ {
		reply := p.sendID(t, "SedeA", fmt.Sprintf("log-loan-%d", i), protocol.KindLoan, protocol.LoanRequest{Code: "B1"})
		require.True(t, reply.Success, reply.Message)
	}

	get := func(query string) (int, []oplog.Entry) {
		resp, err := http.Get(p.urls["SedeA"] + "/log" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var entries []oplog.Entry
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		}
		return resp.StatusCode, entries
	}

	status, all := get("")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, all, 3)
	assert.Equal(t, "log-loan-0", all[0].RequestID)
	assert.Equal(t, oplog.TypeLoan, all[0].Type)

	status, page := get(fmt.Sprintf("?after=%d&limit=1", all[0].ID))
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page, 1)
	assert.Equal(t, "log-loan-1", page[0].RequestID)

	status, empty := get(fmt.Sprintf("?after=%d", all[2].ID))
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, empty)

	status, _ = get("?after=abc")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = get("?limit=0")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestNewRejectsUnknownSite(t *testing.T) {
	_, err := New(context.Background(), config.Default(), "SedeC")
	assert.Error(t, err)
}
