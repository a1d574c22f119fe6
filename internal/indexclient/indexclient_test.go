package indexclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadFetchesPerNetworkLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/head", r.URL.Path)
		w.Write([]byte(`[{"network":"mainnet","level":42},{"network":"ghostnet","level":7}]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	defer c.Close()

	heads, err := c.Head(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, "mainnet", heads[0].Network)
	assert.Equal(t, int64(42), heads[0].Level)
}

func TestLevelsPaginatesUntilEmpty(t *testing.T) {
	pages := [][]byte{
		[]byte(`{"operations":[{"level":100},{"level":101}],"last_id":5}`),
		[]byte(`{"operations":[{"level":101},{"level":102}],"last_id":9}`),
		[]byte(`{"operations":[],"last_id":null}`),
	}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contract/mainnet/KT1abc/operations", r.URL.Path)
		w.Write(pages[call])
		call++
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	defer c.Close()

	levels, err := c.Levels(context.Background(), "mainnet", "KT1abc", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101, 102}, levels)
	assert.Equal(t, 3, call)
}

func TestLevelsStopsOnFirstEmptyPage(t *testing.T) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		w.Write([]byte(`{"operations":[],"last_id":null}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	defer c.Close()

	levels, err := c.Levels(context.Background(), "mainnet", "KT1abc", 2)
	require.NoError(t, err)
	assert.Empty(t, levels)
	assert.Equal(t, 1, call)
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	defer c.Close()

	_, err := c.Head(context.Background(), 5)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
