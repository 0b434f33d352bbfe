package geo

import (
	"context"
	"errors"
	"testing"

	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	answers map[string]Point
	err     error
	calls   []string
}

func (f *fakeLookup) Lookup(ctx context.Context, ip string) (Point, bool, error) {
	f.calls = append(f.calls, ip)
	if f.err != nil {
		return Point{}, false, f.err
	}
	p, ok := f.answers[ip]
	return p, ok, nil
}

func newTestResolver(t *testing.T, l Lookup) (*Resolver, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore(0)
	t.Cleanup(store.Close)
	return NewResolver(store, l, Options{}), store
}

func TestResolveCachesLookup(t *testing.T) {
	nyc := Point{Latitude: 40.7, Longitude: -74.0}
	l := &fakeLookup{answers: map[string]Point{"8.8.8.8": nyc}}
	r, _ := newTestResolver(t, l)
	ctx := context.Background()

	p, err := r.Resolve(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, nyc, p)

	p, err = r.Resolve(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, nyc, p)
	require.Equal(t, []string{"8.8.8.8"}, l.calls)
}

func TestPrivateAddressIsRemapped(t *testing.T) {
	ibm := Point{Latitude: 41.1, Longitude: -73.7}
	l := &fakeLookup{answers: map[string]Point{DefaultFallbackIP: ibm}}
	r, store := newTestResolver(t, l)
	ctx := context.Background()

	p, err := r.Resolve(ctx, "192.168.1.20")
	require.NoError(t, err)
	require.Equal(t, ibm, p)
	require.Equal(t, []string{DefaultFallbackIP}, l.calls)

	// Cached under the address the client actually had.
	var cached Point
	found, err := kv.GetJSON(ctx, store, keyPrefix+"192.168.1.20", &cached)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ibm, cached)

	found, err = kv.GetJSON(ctx, store, keyPrefix+DefaultFallbackIP, &cached)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEmptyLookupUsesSentinel(t *testing.T) {
	l := &fakeLookup{answers: map[string]Point{}}
	r, store := newTestResolver(t, l)
	ctx := context.Background()

	p, err := r.Resolve(ctx, "81.2.69.142")
	require.NoError(t, err)
	require.Equal(t, Point{Latitude: 25.443275, Longitude: -70.576172}, p)

	var cached Point
	found, err := kv.GetJSON(ctx, store, keyPrefix+"81.2.69.142", &cached)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, NoData, cached)

	_, err = r.Resolve(ctx, "81.2.69.142")
	require.NoError(t, err)
	require.Len(t, l.calls, 1)
}

func TestLookupFailureIsExternalServiceError(t *testing.T) {
	l := &fakeLookup{err: errors.New("connection refused")}
	r, store := newTestResolver(t, l)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "81.2.69.142")
	require.ErrorIs(t, err, models.ErrExternalService)

	_, err = store.Get(ctx, keyPrefix+"81.2.69.142")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCorruptCacheEntryIsRecomputed(t *testing.T) {
	home := Point{Latitude: 1, Longitude: 2}
	l := &fakeLookup{answers: map[string]Point{"81.2.69.142": home}}
	r, store := newTestResolver(t, l)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, keyPrefix+"81.2.69.142", []byte("nope"), 0))

	p, err := r.Resolve(ctx, "81.2.69.142")
	require.NoError(t, err)
	require.Equal(t, home, p)
}

func TestIsUnroutable(t *testing.T) {
	cases := map[string]bool{
		"192.168.0.1":     true,
		"10.1.2.3":        true,
		"172.16.5.4":      true,
		"127.0.0.1":       true,
		"::1":             true,
		"fe80::1":         true,
		"192.0.2.44":      true,
		"not-an-ip":       true,
		"8.8.8.8":         false,
		"2606:4700::1111": false,
	}
	for ip, want := range cases {
		require.Equal(t, want, IsUnroutable(ip), ip)
	}
}
