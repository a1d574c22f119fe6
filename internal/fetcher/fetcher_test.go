package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quepasa/internal/nodeclient"
)

func newTestServer(t *testing.T, fail map[int64]bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chains/main/blocks/", func(w http.ResponseWriter, r *http.Request) {
		var level int64
		if _, err := fmtSscan(r.URL.Path, &level); err != nil {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		if fail[level] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		switch {
		case len(r.URL.Path) > 0 && hasSuffix(r.URL.Path, "/header"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"level": level, "hash": "h", "predecessor": "p",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		case hasSuffix(r.URL.Path, "/operations"):
			_ = json.NewEncoder(w).Encode([][]json.RawMessage{})
		default:
			http.NotFound(w, r)
		}
	})
	return httptest.NewServer(mux)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func fmtSscan(path string, out *int64) (int, error) {
	// paths look like /chains/main/blocks/<level>/header
	const prefix = "/chains/main/blocks/"
	rest := path[len(prefix):]
	var level int64
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		level = level*10 + int64(rest[i]-'0')
		i++
	}
	*out = level
	return i, nil
}

func TestPoolFetchesAllLevelsOutOfOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	client, err := nodeclient.New(nodeclient.Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1})
	require.NoError(t, err)
	defer client.Close()

	pool := NewPool(client, Config{WorkersCap: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	levels := FeedLevels(ctx, []int64{10, 11, 12, 13, 14}, 0, 3)
	out := pool.Start(ctx, levels)

	seen := map[int64]bool{}
	for res := range out {
		require.NoError(t, res.Err)
		seen[res.Level] = true
	}
	assert.Len(t, seen, 5)
	for _, l := range []int64{10, 11, 12, 13, 14} {
		assert.True(t, seen[l])
	}
}

func TestPoolSurfacesPermanentFailure(t *testing.T) {
	srv := newTestServer(t, map[int64]bool{12: true})
	defer srv.Close()

	client, err := nodeclient.New(nodeclient.Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1})
	require.NoError(t, err)
	defer client.Close()

	pool := NewPool(client, Config{WorkersCap: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	levels := FeedLevels(ctx, []int64{11, 12, 13}, 0, 1)
	out := pool.Start(ctx, levels)

	var gotErr bool
	for res := range out {
		if res.Err != nil {
			gotErr = true
		}
	}
	assert.True(t, gotErr)
}

func TestFeedLevelsDropsBelowFloor(t *testing.T) {
	ctx := context.Background()
	ch := FeedLevels(ctx, []int64{1, 2, 3, 100, 101}, 100, 2)
	var got []int64
	for l := range ch {
		got = append(got, l)
	}
	assert.Equal(t, []int64{100, 101}, got)
}
