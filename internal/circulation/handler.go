// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"libralink/internal/protocol"
)

const maxRequestBytes = 1 << 20

type Handler struct {
	service Service
	pool    *Pool
}

func NewHandler(service Service, pool *Pool) *Handler {
	return &Handler{service: service, pool: pool}
}

// Routes mounts the client request channel.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/operations", h.HandleOperation)
	r.Get("/books", h.HandleBooks)
	r.Get("/books/{code}", h.HandleBook)
}

func (h *Handler) HandleOperation(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Failure(h.service.Site(), err.Error()))
		return
	}

	resp, err := h.pool.Submit(r.Context(), data)
	if errors.Is(err, ErrShuttingDown) {
		writeJSON(w, http.StatusServiceUnavailable, protocol.Failure(h.service.Site(), err.Error()))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, protocol.Failure(h.service.Site(), err.Error()))
		return
	}

	writeJSON(w, resp.Status, resp.Body)
}

func (h *Handler) HandleBooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Books(r.Context()))
}

func (h *Handler) HandleBook(w http.ResponseWriter, r *http.Request) {
	book, ok := h.service.Book(r.Context(), chi.URLParam(r, "code"))
	if !ok {
		http.Error(w, "book not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
