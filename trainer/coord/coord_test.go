package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSoloIsPrimary(t *testing.T) {
	var group Coordinator = Solo{}
	require.True(t, group.IsPrimary())
	require.Equal(t, 0, group.Rank())
	require.Equal(t, 1, group.WorldSize())
}

func TestSoloAllReduceIdentity(t *testing.T) {
	vals := []float64{1.5, -2.0, 0}
	out, err := Solo{}.AllReduceSum(context.Background(), vals)
	require.NoError(t, err)
	require.Equal(t, vals, out)

	// the reduction must not alias the input
	out[0] = 99
	require.Equal(t, 1.5, vals[0])
}

func TestSoloBarrier(t *testing.T) {
	require.NoError(t, Solo{}.Barrier(context.Background()))
	require.NoError(t, Solo{}.Close())
}

func TestRedisGroupValidation(t *testing.T) {
	_, err := NewRedisGroup(nil, "run", 2, 2)
	require.Error(t, err)
	_, err = NewRedisGroup(nil, "run", -1, 2)
	require.Error(t, err)
	_, err = NewRedisGroup(nil, "run", 0, 0)
	require.Error(t, err)

	group, err := NewRedisGroup(nil, "run", 1, 4)
	require.NoError(t, err)
	require.False(t, group.IsPrimary())
	require.Equal(t, 4, group.WorldSize())
}

func testGroup(t *testing.T, srv *miniredis.Miniredis, rank, world int) *RedisGroup {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	group, err := NewRedisGroup(rdb, "run-test", rank, world)
	require.NoError(t, err)
	return group
}

func TestRedisGroupAllReduceSum(t *testing.T) {
	srv := miniredis.RunT(t)
	g0 := testGroup(t, srv, 0, 2)
	g1 := testGroup(t, srv, 1, 2)
	ctx := context.Background()

	type reduction struct {
		out []float64
		err error
	}
	results := make(chan reduction, 2)
	go func() {
		out, err := g0.AllReduceSum(ctx, []float64{1, 2})
		results <- reduction{out, err}
	}()
	go func() {
		out, err := g1.AllReduceSum(ctx, []float64{10, 20})
		results <- reduction{out, err}
	}()

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, []float64{11, 22}, r.out)
	}
	require.Empty(t, srv.Keys(), "a finished collective must reclaim its keys")
}

func TestRedisGroupConsecutiveCollectives(t *testing.T) {
	srv := miniredis.RunT(t)
	g0 := testGroup(t, srv, 0, 2)
	g1 := testGroup(t, srv, 1, 2)
	ctx := context.Background()

	// two all-reduces back to back must not mix their contributions
	run := func(g *RedisGroup, a, b float64, out chan<- []float64) {
		first, err := g.AllReduceSum(ctx, []float64{a})
		require.NoError(t, err)
		second, err := g.AllReduceSum(ctx, []float64{b})
		require.NoError(t, err)
		out <- append(first, second...)
	}
	c0 := make(chan []float64, 1)
	c1 := make(chan []float64, 1)
	go run(g0, 1, 100, c0)
	go run(g1, 2, 200, c1)
	require.Equal(t, []float64{3, 300}, <-c0)
	require.Equal(t, []float64{3, 300}, <-c1)
}

func TestRedisGroupBarrier(t *testing.T) {
	srv := miniredis.RunT(t)
	g0 := testGroup(t, srv, 0, 2)
	g1 := testGroup(t, srv, 1, 2)
	ctx := context.Background()

	release := make(chan error, 1)
	go func() { release <- g1.Barrier(ctx) }()

	// the barrier must hold until the second worker arrives
	select {
	case err := <-release:
		t.Fatalf("barrier released with one arrival: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	require.NoError(t, g0.Barrier(ctx))
	require.NoError(t, <-release)
	require.Empty(t, srv.Keys(), "a released barrier must reclaim its counter")
}

func TestRedisGroupAllReduceHonorsContext(t *testing.T) {
	srv := miniredis.RunT(t)
	group := testGroup(t, srv, 0, 2)

	// the peer never shows up; the context is the only way out
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := group.AllReduceSum(ctx, []float64{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
