package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"libralink/internal/bus/bustest"
)

func newServer(t *testing.T, limiter *rate.Limiter) (*bustest.Bus, *httptest.Server) {
	t.Helper()
	b := bustest.New()
	r := chi.NewRouter()
	NewHandler(b, limiter).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, Ack) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/operations", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var ack Ack
	json.NewDecoder(resp.Body).Decode(&ack)
	return resp, ack
}

func TestPublishesWithGeneratedRequestID(t *testing.T) {
	b, srv := newServer(t, nil)
	sub, err := b.Subscribe("devolucion")
	require.NoError(t, err)

	resp, ack := post(t, srv, `{"operacion":"devolucion","libro_usuario":{"codigo":"B1"},"timestamp":1704067200}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ack.Success)
	assert.Equal(t, "Devolución enviada al Actor", ack.Message)
	require.NotEmpty(t, ack.RequestID)

	msg := <-sub.Messages()
	env, err := msg.Envelope()
	require.NoError(t, err)
	assert.Equal(t, ack.RequestID, env.RequestID)
	assert.Equal(t, "B1", env.Payload.Code)
}

func TestKeepsCallerRequestID(t *testing.T) {
	b, srv := newServer(t, nil)
	sub, err := b.Subscribe("prestamo")
	require.NoError(t, err)

	_, ack := post(t, srv, `{"operacion":"prestamo","libro_usuario":{"codigo":"B1"},"request_id":"abc","timestamp":1}`)
	assert.Equal(t, "abc", ack.RequestID)
	env, err := (<-sub.Messages()).Envelope()
	require.NoError(t, err)
	assert.Equal(t, "abc", env.RequestID)
}

func TestRejectsMalformedAndUnpublishable(t *testing.T) {
	_, srv := newServer(t, nil)

	for _, body := range []string{
		`not json`,
		`{"operacion":"robo","libro_usuario":{"codigo":"B1"},"timestamp":1}`,
		`{"operacion":"prestamo","libro_usuario":{"codigo":"B1"},"timestamp":1,"extra":true}`,
		`{"operacion":"verificar_disponibilidad","libro_usuario":{"codigo":"B1"},"timestamp":1}`,
	} {
		resp, ack := post(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.False(t, ack.Success)
	}
}

func TestRateLimited(t *testing.T) {
	_, srv := newServer(t, rate.NewLimiter(rate.Limit(0.001), 1))
	body := `{"operacion":"renovacion","libro_usuario":{"codigo":"B1"},"timestamp":1}`
	resp, _ := post(t, srv, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, srv, body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return context.DeadlineExceeded
}
func (failingPublisher) Close() error { return nil }

func TestPublishFailure(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(failingPublisher{}, nil).Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, ack := post(t, srv, `{"operacion":"renovacion","libro_usuario":{"codigo":"B1"},"timestamp":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, ack.Success)
}
