package integration_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/idempotency-gateway/config"
	"github.com/AlfredDev/idempotency-gateway/redisclient"
	"github.com/AlfredDev/idempotency-gateway/registry"
	"github.com/AlfredDev/idempotency-gateway/router"
	"github.com/AlfredDev/idempotency-gateway/store"
	"github.com/AlfredDev/idempotency-gateway/tracker"
)

// Integration tests require a live Redis and are skipped by default.
// To run them locally set RUN_GATEWAY_INTEGRATION=1, REDIS_URL, and
// start Redis via docker-compose.
func TestRedisBackedEndToEnd(t *testing.T) {
	if os.Getenv("RUN_GATEWAY_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_GATEWAY_INTEGRATION=1 to run")
	}

	cfg := &config.Config{
		Addr:              ":0",
		Env:               "test",
		RedisURL:          os.Getenv("REDIS_URL"),
		StoreBackend:      "redis",
		MaxBodyBytes:      1 << 20,
		IdempotentMethods: []string{"GET", "HEAD"},
	}
	log := zerolog.Nop()

	rc, err := redisclient.New(cfg)
	if err != nil {
		t.Fatalf("redis init: %v", err)
	}
	if err := rc.Ping(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	st := store.NewRedisStore(rc.Raw())
	if err := st.Setup(store.Config{TableName: "integration_test"}); err != nil {
		t.Fatalf("store setup: %v", err)
	}

	trk := tracker.New(st, registry.New(), tracker.DefaultConfig(), log)
	r := router.NewRouter(cfg, log, trk, nil)

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(`{"hello":"world"}`))
		req.Header.Set("Idempotency-Key", "integration-key-1")
		return req
	}

	first := httptest.NewRecorder()
	r.ServeHTTP(first, mkReq())
	if first.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on first use, got %d", first.Result().StatusCode)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, mkReq())
	if second.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", second.Result().StatusCode)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay via Redis to match original response")
	}
}
