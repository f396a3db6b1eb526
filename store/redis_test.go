package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	require.NoError(t, s.Setup(Config{TableName: "idempotency_test"}))
	return s
}

func TestRedisStore_InsertLookup(t *testing.T) {
	s := newTestRedisStore(t)
	exp := time.Now().Add(time.Hour)

	require.NoError(t, s.Insert("req-1", StateProcessing, "fp-1", exp))

	e, err := s.Lookup("req-1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, e.State)
	assert.Equal(t, "fp-1", e.Fingerprint)
}

func TestRedisStore_InsertRejectsDuplicate(t *testing.T) {
	s := newTestRedisStore(t)
	exp := time.Now().Add(time.Hour)

	require.NoError(t, s.Insert("req-1", StateProcessing, "fp-1", exp))
	assert.ErrorIs(t, s.Insert("req-1", StateProcessing, "fp-1", exp), ErrAlreadyExists)
}

func TestRedisStore_LookupNotFound(t *testing.T) {
	s := newTestRedisStore(t)
	_, err := s.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_UpdateCarriesResponse(t *testing.T) {
	s := newTestRedisStore(t)
	exp := time.Now().Add(time.Hour)
	require.NoError(t, s.Insert("req-1", StateProcessing, "fp-1", exp))

	resp := &CachedResponse{
		Status:  201,
		Headers: map[string][]string{"X-Header-Key": {"header-value"}},
		Body:    []byte(`OTHER`),
	}
	newExp := time.Now().Add(24 * time.Hour)
	require.NoError(t, s.Update("req-1", StateCompleted, newExp, resp))

	e, err := s.Lookup("req-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, e.State)
	assert.Equal(t, "fp-1", e.Fingerprint)
	require.NotNil(t, e.Response)
	assert.Equal(t, resp.Status, e.Response.Status)
	assert.Equal(t, resp.Body, e.Response.Body)
}

func TestRedisStore_UpdateNotFound(t *testing.T) {
	s := newTestRedisStore(t)
	assert.ErrorIs(t, s.Update("missing", StateCompleted, time.Now(), nil), ErrNotFound)
}

func TestRedisStore_DeleteRemovesEntry(t *testing.T) {
	s := newTestRedisStore(t)
	require.NoError(t, s.Insert("req-1", StateInterrupted, "fp", time.Now().Add(time.Hour)))

	require.NoError(t, s.Delete("req-1"))
	_, err := s.Lookup("req-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_CountScansPrefix(t *testing.T) {
	s := newTestRedisStore(t)
	require.NoError(t, s.Insert("req-1", StateProcessing, "fp", time.Now().Add(time.Hour)))
	require.NoError(t, s.Insert("req-2", StateProcessing, "fp", time.Now().Add(time.Hour)))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
