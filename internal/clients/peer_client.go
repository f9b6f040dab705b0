// internal/clients/peer_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"libralink/internal/protocol"
)

// PeerClient reaches the other site's replication and heartbeat channels,
// which listen separately from the client channel.
type PeerClient struct {
	replicationURL string
	heartbeatURL   string
	http           *http.Client
}

func NewPeerClient(replicationURL, heartbeatURL string, httpClient *http.Client) *PeerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &PeerClient{replicationURL: replicationURL, heartbeatURL: heartbeatURL, http: httpClient}
}

// Replicate forwards env and succeeds only if the peer applied it.
func (c *PeerClient) Replicate(ctx context.Context, env protocol.Envelope) error {
	body, err := json.Marshal(protocol.ReplicationRequest{Type: protocol.KindReplicate, Operation: env})
	if err != nil {
		return err
	}

	var reply protocol.OperationReply
	status, err := postJSON(ctx, c.http, c.replicationURL+"/replicate", body, &reply)
	if err != nil {
		return err
	}
	if status == http.StatusBadRequest {
		return fmt.Errorf("%w: peer rejected operation: %s", protocol.ErrMalformed, reply.Message)
	}
	if status != http.StatusOK || !reply.Success {
		return fmt.Errorf("%w: peer answered %d: %s", ErrTransport, status, reply.Message)
	}
	return nil
}

func (c *PeerClient) Heartbeat(ctx context.Context, hb protocol.Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	status, err := postJSON(ctx, c.http, c.heartbeatURL+"/heartbeat", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("%w: heartbeat answered %d", ErrTransport, status)
	}
	return nil
}
