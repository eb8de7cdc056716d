package cache

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalizesForce(t *testing.T) {
	form := url.Values{"metrics": {"sum__num"}, "groupby": {"name"}}
	base := Key("/caravel/explore/table/1/", form)

	forced := url.Values{"metrics": {"sum__num"}, "groupby": {"name"}, "force": {"true"}}
	assert.Equal(t, base, Key("/caravel/explore/table/1/", forced))

	other := url.Values{"metrics": {"count"}, "groupby": {"name"}}
	assert.NotEqual(t, base, Key("/caravel/explore/table/1/", other))
}

func TestKeyIsOrderInsensitive(t *testing.T) {
	a := url.Values{"a": {"1"}, "b": {"2"}, "c": {"3"}}
	b := url.Values{"c": {"3"}, "a": {"1"}, "b": {"2"}}
	assert.Equal(t, Key("/p", a), Key("/p", b))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	_, ok := store.Get("missing")
	assert.False(t, ok)

	store.Set("k", []byte("payload"), time.Minute)
	got, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestResolveTTLHierarchy(t *testing.T) {
	def := 24 * time.Hour
	assert.Equal(t, 10*time.Second, ResolveTTL(10, 20, 30, def))
	assert.Equal(t, 20*time.Second, ResolveTTL(0, 20, 30, def))
	assert.Equal(t, 30*time.Second, ResolveTTL(0, 0, 30, def))
	assert.Equal(t, def, ResolveTTL(0, 0, 0, def))
}
