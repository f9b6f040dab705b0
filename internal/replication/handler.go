package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"libralink/internal/circulation"
	"libralink/internal/protocol"
)

// Applier applies an operation forwarded by the peer.
type Applier interface {
	ApplyReplicated(ctx context.Context, env protocol.Envelope) (circulation.Result, error)
	Site() string
}

// Handler serves the inbound replication and heartbeat channels.
type Handler struct {
	applier Applier
	monitor *Monitor
}

func NewHandler(applier Applier, monitor *Monitor) *Handler {
	return &Handler{applier: applier, monitor: monitor}
}

// ReplicationRoutes mounts the replication channel.
func (h *Handler) ReplicationRoutes(r chi.Router) {
	r.Post("/replicate", h.HandleReplicate)
}

// HeartbeatRoutes mounts the heartbeat channel.
func (h *Handler) HeartbeatRoutes(r chi.Router) {
	r.Post("/heartbeat", h.HandleHeartbeat)
}

// HandleReplicate applies the operation and replies with the result of the
// local apply only.
func (h *Handler) HandleReplicate(w http.ResponseWriter, r *http.Request) {
	site := h.applier.Site()
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Failure(site, err.Error()))
		return
	}

	req, err := protocol.DecodeReplication(data)
	if err != nil {
		log.Printf("[%s] rejected replication: %v", site, err)
		writeJSON(w, http.StatusBadRequest, protocol.Failure(site, err.Error()))
		return
	}

	if _, err := h.applier.ApplyReplicated(r.Context(), req.Operation); err != nil {
		log.Printf("[%s] replicated %s %s failed: %v", site, req.Operation.Kind, req.Operation.Payload.Code, err)
		writeJSON(w, http.StatusInternalServerError, protocol.Failure(site, err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, protocol.OperationReply{
		Success: true,
		Message: fmt.Sprintf("Replicación aplicada en %s", site),
		Site:    site,
	})
}

func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hb, err := protocol.DecodeHeartbeat(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.monitor.Deliver(hb)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
