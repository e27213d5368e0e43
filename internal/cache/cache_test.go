package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCache builds a cache without a sweeper so expiry behavior is
// exercised purely through the read path.
func newTestCache(t *testing.T) (*Cache, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c := New(300, 0, mock, zerolog.Nop())
	t.Cleanup(c.Shutdown)
	return c, mock
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("account:1", "value-1", 60)

	v, ok := c.Get("account:1")
	require.True(t, ok)
	assert.Equal(t, "value-1", v)

	_, ok = c.Get("account:missing")
	assert.False(t, ok)
}

func TestCache_ExpiryOnRead(t *testing.T) {
	c, mock := newTestCache(t)

	c.Set("k", "v", 10)

	mock.Add(9 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry should be live before TTL elapses")

	mock.Add(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire without any sweeper running")

	// The expired entry was removed opportunistically, not just hidden.
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestCache_SetOverwrites(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("k", "old", 60)
	c.Set("k", "new", 60)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestCache_DefaultTTL(t *testing.T) {
	c, mock := newTestCache(t)

	c.Set("k", "v", 0)

	mock.Add(299 * time.Second)
	assert.True(t, c.Exists("k"))

	mock.Add(2 * time.Second)
	assert.False(t, c.Exists("k"))
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("k", "v", 60)
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	assert.False(t, c.Exists("k"))
}

func TestCache_ClearAll(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("a:1", 1, 60)
	c.Set("a:2", 2, 60)
	c.Set("b:1", 3, 60)

	cleared, err := c.Clear("")
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestCache_ClearPattern(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("a:1", 1, 60)
	c.Set("a:2", 2, 60)
	c.Set("b:1", 3, 60)

	cleared, err := c.Clear("a:.*")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
	assert.True(t, c.Exists("b:1"))
}

func TestCache_ClearPatternAnchored(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("account:1", 1, 60)

	// Patterns match from the start of the key, not anywhere inside it.
	cleared, err := c.Clear(":1")
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
	assert.True(t, c.Exists("account:1"))
}

func TestCache_ClearInvalidPattern(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("k", "v", 60)

	// A malformed pattern must fail, never fall back to match-all.
	_, err := c.Clear("[")
	assert.Error(t, err)
	assert.True(t, c.Exists("k"))
}

func TestCache_Keys(t *testing.T) {
	c, mock := newTestCache(t)

	c.Set("a:1", 1, 60)
	c.Set("a:2", 2, 10)
	c.Set("b:1", 3, 60)

	keys, err := c.Keys("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a:1", "a:2", "b:1"}, keys)

	keys, err = c.Keys("a:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a:1", "a:2"}, keys)

	_, err = c.Keys("[")
	assert.Error(t, err)

	// Expired keys are not listed.
	mock.Add(11 * time.Second)
	keys, err = c.Keys("a:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a:1"}, keys)
}

func TestCache_Touch(t *testing.T) {
	c, mock := newTestCache(t)

	c.Set("k", "v", 10)

	mock.Add(8 * time.Second)
	require.True(t, c.Touch("k", 10))

	// The original TTL would have lapsed here; the touch extended it.
	mock.Add(5 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCache_TouchExpiredOrAbsent(t *testing.T) {
	c, mock := newTestCache(t)

	assert.False(t, c.Touch("missing", 10))

	c.Set("k", "v", 10)
	mock.Add(10 * time.Second)

	// Touch must not resurrect an expired entry.
	assert.False(t, c.Touch("k", 60))
	assert.False(t, c.Exists("k"))
}

func TestCache_Stats(t *testing.T) {
	c, mock := newTestCache(t)

	c.Set("live:1", "v", 60)
	c.Set("live:2", "v", 60)
	c.Set("short", "v", 10)
	mock.Add(11 * time.Second)

	stats := c.Stats()
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.ActiveEntries)
	assert.Equal(t, 1, stats.ExpiredEntries)
	assert.Greater(t, stats.EstimatedBytes, 0)
}

func TestCache_StatsNonSerializableFallback(t *testing.T) {
	c, _ := newTestCache(t)

	c.Set("ch", make(chan int), 60)

	stats := c.Stats()
	assert.Equal(t, len("ch")+nonSerializableEstimate, stats.EstimatedBytes)
}

func TestCache_ConcurrentMutations(t *testing.T) {
	// Hammer a small key space from many goroutines; the race detector
	// flags any path that touches the map without the mutex.
	c := New(300, 1, clock.New(), zerolog.Nop())
	defer c.Shutdown()

	keys := []string{"a:1", "a:2", "b:1"}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := keys[(g+i)%len(keys)]
				switch i % 5 {
				case 0:
					c.Set(key, i, 60)
				case 1:
					c.Get(key)
				case 2:
					c.Delete(key)
				case 3:
					c.Stats()
				case 4:
					c.Touch(key, 60)
				}
			}
		}(g)
	}
	wg.Wait()

	// Surviving entries must hold values some Set actually wrote.
	for _, key := range keys {
		if v, ok := c.Get(key); ok {
			assert.IsType(t, 0, v)
		}
	}
	stats := c.Stats()
	assert.LessOrEqual(t, stats.TotalEntries, len(keys))
}

func TestCache_SweeperRemovesExpired(t *testing.T) {
	mock := clock.NewMock()
	c := New(300, 5, mock, zerolog.Nop())
	defer c.Shutdown()

	c.Set("k", "v", 3)

	// Give the sweeper goroutine time to arm its ticker, then move
	// past both the TTL and the sweep interval.
	time.Sleep(10 * time.Millisecond)
	mock.Add(6 * time.Second)

	assert.Eventually(t, func() bool {
		return c.Stats().TotalEntries == 0
	}, 2*time.Second, 5*time.Millisecond, "sweeper should remove the expired entry")
}

func TestCache_ShutdownIdempotent(t *testing.T) {
	mock := clock.NewMock()
	c := New(300, 5, mock, zerolog.Nop())

	c.Set("k", "v", 60)

	c.Shutdown()
	c.Shutdown()

	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestCache_ShutdownWithoutSweeper(t *testing.T) {
	c := New(300, 0, clock.NewMock(), zerolog.Nop())
	c.Shutdown() // must not hang when the sweeper never started
}
