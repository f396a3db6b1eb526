package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlfredDev/idempotency-gateway/registry"
	"github.com/AlfredDev/idempotency-gateway/store"
	"github.com/AlfredDev/idempotency-gateway/tracker"
)

func newTestIdempotency(t *testing.T) *Idempotency {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.Setup(store.Config{TableName: "idempotency_test"}))
	trk := tracker.New(st, registry.New(), tracker.DefaultConfig(), zerolog.Nop())
	return NewIdempotency(trk, []string{"GET", "HEAD"}, nil, nil, zerolog.Nop())
}

func echoBody(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func TestIdempotency_MissingKeyReturns400(t *testing.T) {
	m := newTestIdempotency(t)
	h := m.Handler(http.HandlerFunc(echoBody))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString(`{}`))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Result().StatusCode)
}

func TestIdempotency_MultipleKeysReturns400(t *testing.T) {
	m := newTestIdempotency(t)
	h := m.Handler(http.HandlerFunc(echoBody))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString(`{}`))
	req.Header.Add("Idempotency-Key", "a")
	req.Header.Add("Idempotency-Key", "b")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Result().StatusCode)
}

func TestIdempotency_BypassMethodSkipsTracking(t *testing.T) {
	m := newTestIdempotency(t)
	h := m.Handler(http.HandlerFunc(echoBody))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusOK, rw.Result().StatusCode)
}

func TestIdempotency_FirstUseProceedsThenReplays(t *testing.T) {
	m := newTestIdempotency(t)
	h := m.Handler(http.HandlerFunc(echoBody))

	mk := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString(`{"a":1}`))
		req.Header.Set("Idempotency-Key", "k1")
		return req
	}

	first := httptest.NewRecorder()
	h.ServeHTTP(first, mk())
	require.Equal(t, http.StatusOK, first.Result().StatusCode)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, mk())
	require.Equal(t, http.StatusOK, second.Result().StatusCode)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.NotEmpty(t, second.Header().Get("Expires"))
}

func TestIdempotency_MismatchedBodyReturns422(t *testing.T) {
	m := newTestIdempotency(t)
	h := m.Handler(http.HandlerFunc(echoBody))

	first := httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString(`{"a":1}`))
	first.Header.Set("Idempotency-Key", "k2")
	h.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString(`{"a":2}`))
	second.Header.Set("Idempotency-Key", "k2")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, second)

	assert.Equal(t, http.StatusUnprocessableEntity, rw.Result().StatusCode)
}

func TestIdempotency_PanicInHandlerMarksInterrupted(t *testing.T) {
	m := newTestIdempotency(t)
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := m.Handler(panicky)

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString(`{}`))
	req.Header.Set("Idempotency-Key", "k3")

	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected the panic to propagate past the adapter")

		entry, err := m.tracker.Lookup(hashHex("k3"))
		require.NoError(t, err)
		assert.Equal(t, store.StateInterrupted, entry.State)
	}()

	h.ServeHTTP(httptest.NewRecorder(), req)
}
