package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKV_GetSetDelete(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: baseTime}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cases := []struct {
		name    string
		kv      KV
		advance func(time.Duration)
	}{
		{name: "memory", kv: NewMemoryKV(WithClock(clock.Now)), advance: clock.Advance},
		{name: "redis", kv: NewRedisKV(client), advance: mr.FastForward},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := tc.kv.Get(ctx, "k1")
			require.ErrorIs(t, err, ErrMiss)

			require.NoError(t, tc.kv.Set(ctx, "k1", []byte("v1"), time.Minute))
			got, err := tc.kv.Get(ctx, "k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), got)

			require.NoError(t, tc.kv.Delete(ctx, "k1"))
			_, err = tc.kv.Get(ctx, "k1")
			require.ErrorIs(t, err, ErrMiss)

			require.NoError(t, tc.kv.Set(ctx, "k2", []byte("v2"), time.Minute))
			tc.advance(2 * time.Minute)
			_, err = tc.kv.Get(ctx, "k2")
			require.ErrorIs(t, err, ErrMiss)

			require.NoError(t, tc.kv.Delete(ctx))
		})
	}
}
