package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/8.8.8.8":
			w.Write([]byte(`{"latitude": 37.751, "longitude": -97.822, "city": null}`))
		case "/1.1.1.1":
			w.Write([]byte("null"))
		case "/9.9.9.9":
			w.Write([]byte(`{}`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	l := NewHTTPLookup(context.Background(), HTTPConfig{URL: srv.URL + "/%s"})
	ctx := context.Background()

	p, ok, err := l.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Point{Latitude: 37.751, Longitude: -97.822}, p)

	_, ok, err = l.Lookup(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.Lookup(ctx, "9.9.9.9")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = l.Lookup(ctx, "4.4.4.4")
	require.Error(t, err)
}
