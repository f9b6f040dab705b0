// internal/gateway/handler.go
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"libralink/internal/bus"
	"libralink/internal/protocol"
)

const maxRequestBytes = 1 << 20

var acks = map[protocol.Kind]string{
	protocol.KindReturn: "Devolución enviada al Actor",
	protocol.KindRenew:  "Renovación enviada al Actor",
	protocol.KindLoan:   "Préstamo enviado al Actor",
}

// Handler acknowledges client calls and republishes them as bus events.
type Handler struct {
	publisher bus.Publisher
	limiter   *rate.Limiter
	tracer    trace.Tracer
}

// NewHandler returns a gateway handler. A nil limiter admits everything.
func NewHandler(publisher bus.Publisher, limiter *rate.Limiter) *Handler {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Handler{publisher: publisher, limiter: limiter, tracer: otel.Tracer("libralink/gateway")}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/operations", h.HandleOperation)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func (h *Handler) HandleOperation(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, protocol.OperationReply{Success: false, Message: "rate limit exceeded"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.OperationReply{Success: false, Message: err.Error()})
		return
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Printf("[gateway] rejected request: %v", err)
		writeJSON(w, http.StatusBadRequest, protocol.OperationReply{Success: false, Message: err.Error()})
		return
	}
	topic, ok := env.Kind.Topic()
	if !ok {
		log.Printf("[gateway] unknown operation %s", env.Kind)
		writeJSON(w, http.StatusBadRequest, protocol.OperationReply{Success: false, Message: "Operación desconocida"})
		return
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}

	ctx, span := h.tracer.Start(r.Context(), "gateway.publish",
		trace.WithAttributes(
			attribute.String("op.kind", string(env.Kind)),
			attribute.String("book.code", env.Payload.Code),
			attribute.String("request.id", env.RequestID),
		),
	)
	defer span.End()

	payload, err := json.Marshal(env)
	if err != nil {
		span.RecordError(err)
		writeJSON(w, http.StatusInternalServerError, protocol.OperationReply{Success: false, Message: err.Error()})
		return
	}
	if err := h.publisher.Publish(ctx, topic, payload); err != nil {
		span.RecordError(err)
		log.Printf("[gateway] publish %s %s failed: %v", env.Kind, env.Payload.Code, err)
		writeJSON(w, http.StatusServiceUnavailable, protocol.OperationReply{Success: false, Message: fmt.Sprintf("bus unavailable: %v", err)})
		return
	}

	log.Printf("[gateway] %s for %s published (id=%s)", env.Kind, env.Payload.Code, env.RequestID)
	writeJSON(w, http.StatusOK, Ack{Success: true, Message: acks[env.Kind], RequestID: env.RequestID})
}

// Ack is the immediate answer to a client call.
type Ack struct {
	Success   bool   `json:"exito"`
	Message   string `json:"mensaje"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
