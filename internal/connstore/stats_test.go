package connstore_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub-relay/relay/internal/connstore"
)

func TestStatsHandlerReportsCountApprox(t *testing.T) {
	t.Parallel()
	store := connstore.NewMemoryStore()
	require.NoError(t, store.Acquire(context.Background(), "hub-1", "conn-a", "node-1", "1.0", time.Minute))
	require.NoError(t, store.Acquire(context.Background(), "hub-2", "conn-b", "node-1", "1.0", time.Minute))

	handler := connstore.StatsHandler(store, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hubs_online_approx":2}`, rec.Body.String())
}

type failingCountStore struct {
	connstore.Store
}

func (failingCountStore) CountApprox(context.Context) (int, error) {
	return 0, assertErr("boom")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestStatsHandlerReturns500OnStoreError(t *testing.T) {
	t.Parallel()
	handler := connstore.StatsHandler(failingCountStore{}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
