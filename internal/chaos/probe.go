package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"libralink/internal/catalog"
	"libralink/internal/clients"
	"libralink/internal/replication"
)

// Probe observes and drives one running site over its client listener.
type Probe struct {
	Name    string
	BaseURL string
	http    *http.Client
	client  *clients.SiteClient
}

func NewProbe(name, baseURL string) *Probe {
	hc := &http.Client{Timeout: 5 * time.Second}
	return &Probe{Name: name, BaseURL: baseURL, http: hc, client: clients.NewSiteClient(baseURL, hc)}
}

func (p *Probe) Status(ctx context.Context) (replication.Status, error) {
	var st replication.Status
	err := p.get(ctx, "/status", &st)
	return st, err
}

func (p *Probe) Books(ctx context.Context) ([]catalog.BookRecord, error) {
	var books []catalog.BookRecord
	err := p.get(ctx, "/books", &books)
	return books, err
}

func (p *Probe) Client() *clients.SiteClient { return p.client }

func (p *Probe) Partition(ctx context.Context, hosts ...string) error {
	return p.admin(ctx, "/admin/faults/partition", hostQuery(hosts))
}

func (p *Probe) Heal(ctx context.Context, hosts ...string) error {
	return p.admin(ctx, "/admin/faults/heal", hostQuery(hosts))
}

func (p *Probe) Latency(ctx context.Context, d time.Duration) error {
	return p.admin(ctx, "/admin/faults/latency", url.Values{"ms": {fmt.Sprint(d.Milliseconds())}})
}

func hostQuery(hosts []string) url.Values {
	v := url.Values{}
	for _, h := range hosts {
		v.Add("host", h)
	}
	return v
}

func (p *Probe) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.Name, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", p.Name, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *Probe) admin(ctx context.Context, path string, query url.Values) error {
	u := p.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.Name, path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d (is chaos enabled for this site?)", p.Name, path, resp.StatusCode)
	}
	return nil
}
