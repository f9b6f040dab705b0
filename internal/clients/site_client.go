// internal/clients/site_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"libralink/internal/protocol"
)

// ErrTransport marks a failure to reach a site or to get a usable answer
// from it. Callers fail over on it.
var ErrTransport = errors.New("transport failure")

// SiteClient talks to one site's client request channel.
type SiteClient struct {
	baseURL string
	http    *http.Client
}

// NewSiteClient returns a client for baseURL. A nil httpClient uses
// http.DefaultClient; timeouts come from the request context.
func NewSiteClient(baseURL string, httpClient *http.Client) *SiteClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SiteClient{baseURL: baseURL, http: httpClient}
}

func (c *SiteClient) URL() string { return c.baseURL }

// Send posts env and decodes the reply. A 400 answer is returned as
// protocol.ErrMalformed; any other failure wraps ErrTransport.
func (c *SiteClient) Send(ctx context.Context, env protocol.Envelope) (protocol.Reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}

	var reply protocol.Reply
	status, err := postJSON(ctx, c.http, c.baseURL+"/operations", body, &reply)
	if err != nil {
		return protocol.Reply{}, err
	}
	switch {
	case status == http.StatusOK:
		return reply, nil
	case status == http.StatusBadRequest:
		return reply, fmt.Errorf("%w: %s", protocol.ErrMalformed, reply.Message)
	default:
		return reply, fmt.Errorf("%w: %s answered %d: %s", ErrTransport, c.baseURL, status, reply.Message)
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read reply: %v", ErrTransport, err)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, fmt.Errorf("%w: decode reply: %v", ErrTransport, err)
		}
	}
	return resp.StatusCode, nil
}
