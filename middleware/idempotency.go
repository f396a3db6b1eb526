/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Idempotency middleware adapter. Extracts the
             Idempotency-Key header, computes the request fingerprint,
             calls the tracker, and renders Proceed/Conflict/Mismatch/
             Replay/Interrupted per the status/message table.
Root Cause:  Sprint task T205 — idempotency HTTP adapter.
Context:     This is the only place the tracker touches the wire: the
             tracker itself knows nothing about http.Request or
             http.ResponseWriter.
Suitability: L4 — directly responsible for not double-executing a
             client's request.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/idempotency-gateway/observability"
	"github.com/AlfredDev/idempotency-gateway/store"
	"github.com/AlfredDev/idempotency-gateway/tracker"
)

// ErrorKind names the client-visible error conditions the adapter can
// render.
type ErrorKind string

const (
	ErrMissingKey   ErrorKind = "missing-key"
	ErrMultipleKeys ErrorKind = "multiple-keys"
	ErrConflict     ErrorKind = "conflict"
	ErrMismatch     ErrorKind = "mismatch"
	ErrInterrupted  ErrorKind = "interrupted"
	ErrInternal     ErrorKind = "internal"
)

var errorStatus = map[ErrorKind]int{
	ErrMissingKey:   http.StatusBadRequest,
	ErrMultipleKeys: http.StatusBadRequest,
	ErrConflict:     http.StatusConflict,
	ErrMismatch:     http.StatusUnprocessableEntity,
	ErrInterrupted:  http.StatusInternalServerError,
	ErrInternal:     http.StatusInternalServerError,
}

// Handler is the pluggable error/identity hook the spec calls out: a
// caller may override both the rendered error response and the
// transform applied to the raw key before it's hashed into a
// request_id (e.g. to scope keys per authenticated caller).
type Handler interface {
	Transform(rawKey string, r *http.Request) string
	RenderError(w http.ResponseWriter, kind ErrorKind, message string)
}

// defaultHandler is the identity transform + the literal error shape
// from spec §6: {"errors": [{"message": "..."}]}.
type defaultHandler struct{}

func (defaultHandler) Transform(rawKey string, _ *http.Request) string {
	return rawKey
}

func (defaultHandler) RenderError(w http.ResponseWriter, kind ErrorKind, message string) {
	status, ok := errorStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]string{{"message": message}},
	})
}

// Idempotency is the chi-compatible middleware wrapping a *tracker.Tracker.
type Idempotency struct {
	tracker       *tracker.Tracker
	bypassMethods map[string]bool
	handler       Handler
	logger        zerolog.Logger
	metrics       *observability.Metrics
}

// NewIdempotency builds the adapter. bypassMethods lists HTTP methods
// that skip tracking entirely (default configuration: GET, HEAD). A nil
// handler falls back to the identity transform and the spec's literal
// error shape. metrics may be nil, in which case admission outcomes
// aren't recorded.
func NewIdempotency(t *tracker.Tracker, bypassMethods []string, handler Handler, metrics *observability.Metrics, logger zerolog.Logger) *Idempotency {
	bypass := make(map[string]bool, len(bypassMethods))
	for _, m := range bypassMethods {
		bypass[strings.ToUpper(m)] = true
	}
	if handler == nil {
		handler = defaultHandler{}
	}
	return &Idempotency{
		tracker:       t,
		bypassMethods: bypass,
		handler:       handler,
		logger:        logger.With().Str("component", "idempotency").Logger(),
		metrics:       metrics,
	}
}

// Handler returns the HTTP middleware.
func (m *Idempotency) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.bypassMethods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}

		keys := r.Header.Values("Idempotency-Key")
		switch len(keys) {
		case 0:
			m.handler.RenderError(w, ErrMissingKey, "No idempotency key found.")
			return
		case 1:
			// fall through
		default:
			m.handler.RenderError(w, ErrMultipleKeys, "Only one `Idempotency-Key` header can be sent.")
			return
		}
		rawKey := keys[0]

		var body []byte
		if r.Body != nil {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				m.handler.RenderError(w, ErrInternal, "failed to read request body")
				return
			}
			body = b
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		requestID := hashHex(m.handler.Transform(rawKey, r))
		fingerprint := computeFingerprint(r.Method, r.URL.Path, r.URL.Query(), body)

		admitStart := time.Now()
		outcome, err := m.tracker.Track(r.Context(), requestID, fingerprint)
		if m.metrics != nil {
			m.metrics.AdmissionDuration.Observe(time.Since(admitStart).Seconds())
		}
		if err != nil {
			m.logger.Error().Err(err).Str("request_id", requestID).Msg("tracker admission failed")
			m.handler.RenderError(w, ErrInternal, "internal idempotency tracker error")
			return
		}
		if m.metrics != nil {
			m.metrics.AdmissionsTotal.WithLabelValues(string(outcome.Kind)).Inc()
		}

		switch outcome.Kind {
		case tracker.Proceed:
			m.proceed(w, r, next, requestID)
		case tracker.Replay:
			writeExpires(w, outcome.ExpiresAt)
			writeCachedResponse(w, outcome.Response)
		case tracker.Conflict:
			m.handler.RenderError(w, ErrConflict, "A request with the same `Idempotency-Key` is currently being processed.")
		case tracker.Mismatch:
			m.handler.RenderError(w, ErrMismatch, "This `Idempotency-Key` can't be reused with a different payload or URI.")
		case tracker.Interrupted:
			writeExpires(w, outcome.ExpiresAt)
			m.handler.RenderError(w, ErrInterrupted, "The original request was interrupted and can't be recovered as it's in an unknown state.")
		default:
			m.logger.Error().Str("kind", string(outcome.Kind)).Msg("unknown tracker outcome")
			m.handler.RenderError(w, ErrInternal, "internal idempotency tracker error")
		}
	})
}

// proceed runs the downstream handler against a capture writer, then
// finalizes the tracker entry before anything reaches the real
// connection. On a recovered panic it marks the entry Interrupted and
// re-panics so the outer chi Recoverer still logs and closes as usual.
func (m *Idempotency) proceed(w http.ResponseWriter, r *http.Request, next http.Handler, requestID string) {
	capture := newCaptureWriter()
	finalized := false

	defer func() {
		if rec := recover(); rec != nil {
			if !finalized {
				if ierr := m.tracker.Interrupt(requestID); ierr != nil {
					m.logger.Error().Err(ierr).Str("request_id", requestID).Msg("failed to mark interrupted after panic")
				}
				if m.metrics != nil {
					m.metrics.HandlerPanicsTotal.Inc()
				}
			}
			panic(rec)
		}
	}()

	next.ServeHTTP(capture, r)

	resp := store.CachedResponse{
		Status:  capture.status,
		Headers: capture.header,
		Body:    capture.body.Bytes(),
	}
	if err := m.tracker.Finalize(requestID, resp); err != nil {
		m.logger.Error().Err(err).Str("request_id", requestID).Msg("finalize failed")
	}
	finalized = true

	if entry, lookupErr := m.tracker.Lookup(requestID); lookupErr == nil {
		writeExpires(w, entry.ExpiresAt)
	}
	writeCachedResponse(w, &resp)
}

func writeCachedResponse(w http.ResponseWriter, resp *store.CachedResponse) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeExpires(w http.ResponseWriter, expiresAt time.Time) {
	w.Header().Set("Expires", expiresAt.UTC().Format(http.TimeFormat))
}

func hashHex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// computeFingerprint hashes method + path (order-sensitive) + query
// params (order-insensitive) + body. JSON bodies are canonicalized by a
// round-trip through encoding/json, which sorts object keys — so two
// requests whose body differs only in key order collide on the same
// fingerprint, as the spec requires for associative-map parameters.
// Non-JSON bodies are hashed as raw bytes.
func computeFingerprint(method, path string, query url.Values, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(strings.Join(vals, ",")))
		h.Write([]byte{0})
	}

	h.Write(canonicalizeBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalizeBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return canon
}
