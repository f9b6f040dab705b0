package chaos

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// ErrPartitioned is returned for requests to a partitioned host.
var ErrPartitioned = errors.New("chaos: network partition")

// AllHosts matches every destination.
const AllHosts = "*"

// FaultTransport injects partitions and latency into outbound requests
// per destination host.
type FaultTransport struct {
	base http.RoundTripper

	mu          sync.RWMutex
	partitioned map[string]bool
	latency     map[string]time.Duration
}

// NewFaultTransport wraps base; nil uses http.DefaultTransport.
func NewFaultTransport(base http.RoundTripper) *FaultTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &FaultTransport{
		base:        base,
		partitioned: make(map[string]bool),
		latency:     make(map[string]time.Duration),
	}
}

func (f *FaultTransport) Partition(hosts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(hosts) == 0 {
		hosts = []string{AllHosts}
	}
	for _, h := range hosts {
		f.partitioned[h] = true
	}
}

// Heal removes every fault for hosts, or all faults when none are given.
func (f *FaultTransport) Heal(hosts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(hosts) == 0 {
		f.partitioned = make(map[string]bool)
		f.latency = make(map[string]time.Duration)
		return
	}
	for _, h := range hosts {
		delete(f.partitioned, h)
		delete(f.latency, h)
	}
}

func (f *FaultTransport) SetLatency(host string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		delete(f.latency, host)
		return
	}
	f.latency[host] = d
}

func (f *FaultTransport) faults(host string) (bool, time.Duration) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cut := f.partitioned[host] || f.partitioned[AllHosts]
	delay := f.latency[host]
	if d := f.latency[AllHosts]; d > delay {
		delay = d
	}
	return cut, delay
}

func (f *FaultTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cut, delay := f.faults(req.URL.Host)
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			t.Stop()
			return nil, req.Context().Err()
		case <-t.C:
		}
	}
	if cut {
		return nil, fmt.Errorf("%w: %s", ErrPartitioned, req.URL.Host)
	}
	return f.base.RoundTrip(req)
}

// FaultState is the admin view of the active faults.
type FaultState struct {
	Partitioned []string          `json:"partitioned"`
	Latency     map[string]string `json:"latency"`
}

func (f *FaultTransport) State() FaultState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := FaultState{Partitioned: []string{}, Latency: map[string]string{}}
	for h := range f.partitioned {
		st.Partitioned = append(st.Partitioned, h)
	}
	sort.Strings(st.Partitioned)
	for h, d := range f.latency {
		st.Latency[h] = d.String()
	}
	return st
}

// AdminRoutes mounts the fault controls. The optional host query
// parameter selects one destination; without it the fault applies to all.
func (f *FaultTransport) AdminRoutes(r chi.Router, site string) {
	r.Route("/admin/faults", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, f.State())
		})
		r.Post("/partition", func(w http.ResponseWriter, req *http.Request) {
			hosts := hostsParam(req)
			f.Partition(hosts...)
			log.Printf("[%s] chaos: partitioned %v", site, hostsOrAll(hosts))
			writeJSON(w, http.StatusOK, f.State())
		})
		r.Post("/heal", func(w http.ResponseWriter, req *http.Request) {
			hosts := hostsParam(req)
			f.Heal(hosts...)
			log.Printf("[%s] chaos: healed %v", site, hostsOrAll(hosts))
			writeJSON(w, http.StatusOK, f.State())
		})
		r.Post("/latency", func(w http.ResponseWriter, req *http.Request) {
			ms, err := strconv.Atoi(req.URL.Query().Get("ms"))
			if err != nil || ms < 0 {
				http.Error(w, "ms must be a non-negative integer", http.StatusBadRequest)
				return
			}
			host := req.URL.Query().Get("host")
			if host == "" {
				host = AllHosts
			}
			f.SetLatency(host, time.Duration(ms)*time.Millisecond)
			log.Printf("[%s] chaos: latency %dms on %s", site, ms, host)
			writeJSON(w, http.StatusOK, f.State())
		})
	})
}

func hostsParam(r *http.Request) []string {
	return r.URL.Query()["host"]
}

func hostsOrAll(hosts []string) []string {
	if len(hosts) == 0 {
		return []string{AllHosts}
	}
	return hosts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
