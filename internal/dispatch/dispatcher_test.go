package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"libralink/internal/clients"
	"libralink/internal/journal"
	"libralink/internal/protocol"
)

type fakeSite struct {
	name  string
	mu    sync.Mutex
	calls int
	fail  bool
	reply protocol.Reply
	err   error
}

func (s *fakeSite) URL() string { return s.name }

func (s *fakeSite) Send(ctx context.Context, env protocol.Envelope) (protocol.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return protocol.Reply{}, s.err
	}
	if s.fail {
		return protocol.Reply{}, fmt.Errorf("%w: %s unreachable", clients.ErrTransport, s.name)
	}
	r := s.reply
	r.Site = s.name
	return r, nil
}

func (s *fakeSite) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() Config {
	return Config{Timeout: 50 * time.Millisecond, Pause: 0}
}

func env(code string) protocol.Envelope {
	e := protocol.NewEnvelope(protocol.KindReturn, protocol.LoanRequest{Code: code}, time.Unix(1704067200, 0))
	e.RequestID = "req-" + code
	return e
}

func asSites(fakes []*fakeSite) []Site {
	out := make([]Site, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestAllSitesUnreachableTriesEachOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "sites")
		start := rapid.IntRange(0, n-1).Draw(t, "start")

		fakes := make([]*fakeSite, n)
		for i := range fakes {
			fakes[i] = &fakeSite{name: fmt.Sprintf("site-%d", i), fail: true}
		}
		dir, err := os.MkdirTemp("", "dispatch")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "unresolved.jsonl")
		w, err := journal.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer w.Close()

		d, err := New(testConfig(), asSites(fakes), w)
		if err != nil {
			t.Fatal(err)
		}
		d.current = start

		_, err = d.Dispatch(context.Background(), env("B1"))
		if !assert.ErrorIs(t, err, ErrAllSitesFailed) {
			t.FailNow()
		}
		for i, f := range fakes {
			if f.count() != 1 {
				t.Fatalf("site %d tried %d times", i, f.count())
			}
		}
		entries, err := ReadUnresolved(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].RequestID != "req-B1" || entries[0].Attempts != n {
			t.Fatalf("unexpected unresolved entries: %+v", entries)
		}
	})
}

func TestStickyRoutingToLastGoodSite(t *testing.T) {
	a := &fakeSite{name: "A", fail: true}
	b := &fakeSite{name: "B", reply: protocol.Reply{Success: true}}
	d, err := New(testConfig(), []Site{a, b}, nil)
	require.NoError(t, err)

	reply, err := d.Dispatch(context.Background(), env("B1"))
	require.NoError(t, err)
	assert.Equal(t, "B", reply.Site)
	assert.Equal(t, 1, d.Current())

	a.mu.Lock()
	a.fail = false
	a.mu.Unlock()

	for i := 0; i < 3; i++ {
		reply, err = d.Dispatch(context.Background(), env(fmt.Sprint("B", i+2)))
		require.NoError(t, err)
		assert.Equal(t, "B", reply.Site, "routing stays on the site that answered")
	}
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 4, b.count())
}

func TestNegativeReplyIsNotAFailure(t *testing.T) {
	a := &fakeSite{name: "A", reply: protocol.Reply{Success: false, Message: "No se pudo realizar el préstamo"}}
	b := &fakeSite{name: "B"}
	d, err := New(testConfig(), []Site{a, b}, nil)
	require.NoError(t, err)

	reply, err := d.Dispatch(context.Background(), env("B1"))
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, 0, b.count())
}

func TestMalformedIsNotRetried(t *testing.T) {
	a := &fakeSite{name: "A", err: fmt.Errorf("%w: bad date", protocol.ErrMalformed)}
	b := &fakeSite{name: "B"}
	path := filepath.Join(t.TempDir(), "unresolved.jsonl")
	w, err := journal.Open(path)
	require.NoError(t, err)
	defer w.Close()

	d, err := New(testConfig(), []Site{a, b}, w)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), env("B1"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, b.count())
	assert.Equal(t, 0, d.Current())

	entries, err := ReadUnresolved(path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPauseBetweenSites(t *testing.T) {
	cfg := testConfig()
	cfg.Pause = 30 * time.Millisecond
	fakes := []*fakeSite{{name: "A", fail: true}, {name: "B", fail: true}, {name: "C", fail: true}}
	d, err := New(cfg, asSites(fakes), nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Dispatch(context.Background(), env("B1"))
	assert.ErrorIs(t, err, ErrAllSitesFailed)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestNoSites(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoSites)
}

func TestDispatchSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	a := &fakeSite{name: "A", fail: true}
	b := &fakeSite{name: "B", reply: protocol.Reply{Success: true}}
	d, err := New(testConfig(), []Site{a, b}, nil)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), env("B9"))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "dispatch.dispatch", span.Name())

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "B9", attrs["book.code"])
	assert.Equal(t, "req-B9", attrs["request.id"])
	assert.Equal(t, "2", attrs["dispatch.attempts"])
	assert.Equal(t, "B", attrs["site.url"])

	require.Len(t, span.Events(), 1)
	assert.Equal(t, "failover", span.Events()[0].Name)
}
