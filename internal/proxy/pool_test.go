package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Endpoint
	}{
		{"bare host gets scheme and port", "10.0.0.1", "http://10.0.0.1:80/"},
		{"explicit port kept", "10.0.0.1:8000", "http://10.0.0.1:8000/"},
		{"scheme kept", "https://gw.example.com", "https://gw.example.com:80/"},
		{"trailing slash not doubled", "http://gw.example.com:9000/", "http://gw.example.com:9000/"},
		{"path preserved", "gw.example.com/relay", "http://gw.example.com:80/relay/"},
		{"ipv6 host", "[::1]", "http://[::1]:80/"},
		{"surrounding space", "  gw.example.com  ", "http://gw.example.com:80/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.raw, 80)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "http://", "gw.example.com:notaport"} {
		_, err := Normalize(raw, 80)
		require.ErrorIs(t, err, ErrConfig, "entry %q", raw)
	}
}

func TestLoadSkipsBlankAndInvalidEntries(t *testing.T) {
	t.Parallel()

	src := "10.0.0.1\n\n# spare gateways\n10.0.0.2:8000\nhttp://\n10.0.0.3\n"
	pool, err := Load(strings.NewReader(src), 80)
	require.NoError(t, err)
	require.Equal(t, 3, pool.Size())
	assert.Equal(t, []Endpoint{
		"http://10.0.0.1:80/",
		"http://10.0.0.2:8000/",
		"http://10.0.0.3:80/",
	}, pool.Endpoints())
}

func TestLoadEmptyListFails(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader("\n  \n# nothing here\n"), 80)
	require.ErrorIs(t, err, ErrConfig)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ips")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.1\n10.0.0.2\n"), 0o600))

	pool, err := LoadFile(path, 8080)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing"), 8080)
	require.ErrorIs(t, err, ErrConfig)
}

func TestNextCyclesAllIndices(t *testing.T) {
	t.Parallel()

	pool := mustPool(t, 4)
	for round := 0; round < 3; round++ {
		for want := 0; want < 4; want++ {
			ep, idx, err := pool.Next()
			require.NoError(t, err)
			require.Equal(t, want, idx)
			require.Equal(t, pool.Endpoints()[want], ep)
		}
	}
}

func TestNextConcurrentSelectionsAreBalanced(t *testing.T) {
	t.Parallel()

	const (
		size    = 5
		threads = 8
		calls   = 250
	)
	pool := mustPool(t, size)

	var (
		mu     sync.Mutex
		counts = make(map[int]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[int]int)
			for j := 0; j < calls; j++ {
				_, idx, err := pool.Next()
				if err != nil {
					t.Error(err)
					return
				}
				local[idx]++
			}
			mu.Lock()
			for idx, n := range local {
				counts[idx] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	for idx := 0; idx < size; idx++ {
		assert.Equal(t, threads*calls/size, counts[idx], "index %d", idx)
		total += counts[idx]
	}
	assert.Equal(t, threads*calls, total)
}

func TestRemovePreservesOrderAndResetsCursor(t *testing.T) {
	t.Parallel()

	pool := mustPool(t, 4)
	before := pool.Endpoints()
	for i := 0; i < 3; i++ {
		_, _, err := pool.Next()
		require.NoError(t, err)
	}

	require.NoError(t, pool.Remove(map[int]struct{}{1: {}, 3: {}, 42: {}}))
	assert.Equal(t, []Endpoint{before[0], before[2]}, pool.Endpoints())

	_, idx, err := pool.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	_, idx, err = pool.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestRemoveRefusesToEmptyPool(t *testing.T) {
	t.Parallel()

	pool := mustPool(t, 2)
	err := pool.Remove(map[int]struct{}{0: {}, 1: {}})
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, pool.Size())
}

func TestEndpointLookup(t *testing.T) {
	t.Parallel()

	pool := mustPool(t, 2)
	ep, ok := pool.Endpoint(1)
	require.True(t, ok)
	assert.Equal(t, pool.Endpoints()[1], ep)
	_, ok = pool.Endpoint(2)
	assert.False(t, ok)
}

func TestNewPoolRequiresEndpoints(t *testing.T) {
	t.Parallel()

	_, err := NewPool()
	require.ErrorIs(t, err, ErrConfig)
}

func mustPool(t *testing.T, n int) *Pool {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("10.0.0.")
		b.WriteString(string(rune('1' + i)))
		b.WriteString("\n")
	}
	pool, err := Load(strings.NewReader(b.String()), 80)
	require.NoError(t, err)
	require.Equal(t, n, pool.Size())
	return pool
}
