package currency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestone-service/internal/model"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func TestDayKeyNormalizesToUTCDayStart(t *testing.T) {
	d1 := time.Date(2023, 1, 1, 3, 0, 0, 0, time.UTC)
	d2 := time.Date(2023, 1, 1, 21, 0, 0, 0, time.UTC)

	require.Equal(t, int64(1672531200), DayKey(d1))
	require.Equal(t, DayKey(d1), DayKey(d2))

	next := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NotEqual(t, DayKey(d1), DayKey(next))
}

func TestGetFetchesOncePerDay(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		require.NotEmpty(t, r.URL.Query().Get("date"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"timestamp": 1672531200, "rates": {"EUR": 20, "USD": 25}}`))
	}))
	defer srv.Close()

	cache := NewCache(srv.URL, nil, testLogger())

	d1 := time.Date(2023, 1, 1, 3, 0, 0, 0, time.UTC)
	d2 := time.Date(2023, 1, 1, 21, 0, 0, 0, time.UTC)

	e1, err := cache.Get(context.Background(), d1)
	require.NoError(t, err)
	require.True(t, e1.Rate(model.FiatEUR).Equal(decimal.NewFromInt(20)))

	e2, err := cache.Get(context.Background(), d2)
	require.NoError(t, err)
	require.Same(t, e1, e2)

	require.Equal(t, int32(1), fetches.Load(), "same-day lookups must share one fetch")
}

func TestGetFetchesAgainForAnotherDay(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte(`{"timestamp": 0, "rates": {"EUR": 20}}`))
	}))
	defer srv.Close()

	cache := NewCache(srv.URL, nil, testLogger())

	_, err := cache.Get(context.Background(), time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), time.Date(2023, 1, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Equal(t, int32(2), fetches.Load())
}

func TestFetchFailureLeavesCacheUnmodified(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"timestamp": 0, "rates": {"EUR": 20}}`))
	}))
	defer srv.Close()

	cache := NewCache(srv.URL, nil, testLogger())
	day := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := cache.Get(context.Background(), day)
	require.Error(t, err)

	// No negative caching: the next lookup retries the fetch.
	fail.Store(false)
	entry, err := cache.Get(context.Background(), day)
	require.NoError(t, err)
	require.True(t, entry.Rate(model.FiatEUR).IsPositive())
}

func TestEntryTimestampIsTheDayKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timestamp": 999, "rates": {"EUR": 20}}`))
	}))
	defer srv.Close()

	cache := NewCache(srv.URL, nil, testLogger())
	day := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	entry, err := cache.Get(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, DayKey(day), entry.Timestamp)
}
