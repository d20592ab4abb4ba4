package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr, PingTimeout: 200 * time.Millisecond})
	require.Error(t, err)

	_, err = New(context.Background(), Options{})
	require.Error(t, err)
}

func TestAsynqOpt(t *testing.T) {
	opt := Options{Addr: "redis:6379", Password: "secret", DB: 3}.AsynqOpt()
	require.Equal(t, "redis:6379", opt.Addr)
	require.Equal(t, "secret", opt.Password)
	require.Equal(t, 3, opt.DB)
}
