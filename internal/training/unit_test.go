package training

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
)

func deals(n int) []funnel.DealRollup {
	out := make([]funnel.DealRollup, n)
	for i := range out {
		out[i] = funnel.DealRollup{DealID: "d", Outcome: funnel.OutcomeWon}
	}
	return out
}

func startUnit(t *testing.T, debounce time.Duration, fn TrainFunc) *Unit {
	t.Helper()
	u := NewUnit(zerolog.Nop(), debounce, friction.DefaultOptions())
	if fn != nil {
		u.WithTrainFunc(fn)
	}
	u.Start(context.Background())
	t.Cleanup(u.Close)
	return u
}

func next(t *testing.T, u *Unit) Response {
	t.Helper()
	select {
	case res := <-u.Responses():
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no response from training unit")
		return Response{}
	}
}

func requireQuiet(t *testing.T, u *Unit, d time.Duration) {
	t.Helper()
	select {
	case res := <-u.Responses():
		t.Fatalf("unexpected response %+v", res)
	case <-time.After(d):
	}
}

func TestSubmit_DebouncesBurst(t *testing.T) {
	var calls atomic.Int32
	var lastLen atomic.Int32
	u := startUnit(t, 50*time.Millisecond, func(_ context.Context, ds []funnel.DealRollup, _ friction.Categories, _ friction.Options) (friction.Result, error) {
		calls.Add(1)
		lastLen.Store(int32(len(ds)))
		return friction.Result{OK: true}, nil
	})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, u.Submit(ctx, Request{Deals: deals(i), Revision: uint64(i)}))
	}

	res := next(t, u)
	require.Equal(t, TypeModelResult, res.Type)
	require.Equal(t, uint64(3), res.Revision)
	require.NotEmpty(t, res.RunID)
	require.True(t, res.Result.OK)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(3), lastLen.Load())
	requireQuiet(t, u, 100*time.Millisecond)
}

func TestSubmit_SupersedesInFlightRun(t *testing.T) {
	started := make(chan struct{}, 2)
	var cancelled atomic.Bool
	u := startUnit(t, 10*time.Millisecond, func(ctx context.Context, ds []funnel.DealRollup, _ friction.Categories, _ friction.Options) (friction.Result, error) {
		started <- struct{}{}
		if len(ds) == 1 {
			<-ctx.Done()
			cancelled.Store(true)
			return friction.Result{}, ctx.Err()
		}
		return friction.Result{OK: true}, nil
	})

	ctx := context.Background()
	require.NoError(t, u.Submit(ctx, Request{Deals: deals(1), Revision: 1}))
	<-started
	require.NoError(t, u.Submit(ctx, Request{Deals: deals(2), Revision: 2}))

	res := next(t, u)
	require.Equal(t, uint64(2), res.Revision)
	require.Equal(t, TypeModelResult, res.Type)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
	requireQuiet(t, u, 50*time.Millisecond)
}

func TestSubmit_PanicBecomesErrorResponse(t *testing.T) {
	u := startUnit(t, time.Millisecond, func(context.Context, []funnel.DealRollup, friction.Categories, friction.Options) (friction.Result, error) {
		panic("index out of range")
	})

	require.NoError(t, u.Submit(context.Background(), Request{Deals: deals(1)}))
	res := next(t, u)
	require.Equal(t, TypeError, res.Type)
	require.Nil(t, res.Result)
	require.Equal(t, "training failed: index out of range", res.Message)
}

func TestSubmit_InsufficientDataIsAResult(t *testing.T) {
	u := startUnit(t, time.Millisecond, nil)

	require.NoError(t, u.Submit(context.Background(), Request{Deals: deals(10)}))
	res := next(t, u)
	require.Equal(t, TypeModelResult, res.Type)
	require.False(t, res.Result.OK)
	require.Equal(t, "Not enough deals to train (need at least 50).", res.Result.Message)
}

func TestSubmit_CopiesInput(t *testing.T) {
	seen := make(chan string, 1)
	u := startUnit(t, 20*time.Millisecond, func(_ context.Context, ds []funnel.DealRollup, cats friction.Categories, _ friction.Options) (friction.Result, error) {
		seen <- ds[0].DealID + "/" + cats.Segments[0]
		return friction.Result{OK: true}, nil
	})

	in := []funnel.DealRollup{{DealID: "orig"}}
	cats := friction.Categories{Segments: []string{"SMB"}}
	require.NoError(t, u.Submit(context.Background(), Request{Deals: in, Categories: cats}))
	in[0].DealID = "mutated"
	cats.Segments[0] = "mutated"

	next(t, u)
	require.Equal(t, "orig/SMB", <-seen)
}

func TestSubmit_NoDeals(t *testing.T) {
	u := startUnit(t, time.Millisecond, nil)
	require.ErrorIs(t, u.Submit(context.Background(), Request{}), ErrNoDeals)
}

func TestSubmit_AfterClose(t *testing.T) {
	u := NewUnit(zerolog.Nop(), time.Millisecond, friction.DefaultOptions())
	u.Start(context.Background())
	u.Close()
	require.ErrorIs(t, u.Submit(context.Background(), Request{Deals: deals(1)}), ErrClosed)
}
