package promise_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mastran/synchs-omission/internal/promise"
)

func TestThenAfterResolveRunsImmediately(t *testing.T) {
	f := promise.New[int]()
	f.Resolve(42)

	var got int
	f.Then(func(v int) { got = v })
	require.Equal(t, 42, got)
}

func TestThenBeforeResolveRunsOnResolve(t *testing.T) {
	f := promise.New[string]()
	var got string
	f.Then(func(v string) { got = v })
	require.Empty(t, got)

	f.Resolve("done")
	require.Equal(t, "done", got)
}

func TestResolveIsOncePerGeneration(t *testing.T) {
	f := promise.New[int]()
	calls := 0
	f.Then(func(v int) { calls++ })
	f.Resolve(1)
	f.Resolve(2) // must be a no-op: already resolved this generation
	require.Equal(t, 1, calls)
	require.True(t, f.IsResolved())
}

func TestResetStartsANewGeneration(t *testing.T) {
	f := promise.New[int]()
	f.Resolve(1)
	require.True(t, f.IsResolved())

	f.Reset()
	require.False(t, f.IsResolved())

	var got int
	f.Then(func(v int) { got = v })
	f.Resolve(2)
	require.Equal(t, 2, got)
}

func TestConcurrentResolveAndThenAreRaceFree(t *testing.T) {
	// Mirrors the verification-pool handoff: Resolve fires from a worker
	// goroutine while Then registers from the caller's own goroutine.
	for i := 0; i < 50; i++ {
		f := promise.New[int]()
		var wg sync.WaitGroup
		results := make(chan int, 2)

		wg.Add(2)
		go func() {
			defer wg.Done()
			f.Resolve(7)
		}()
		go func() {
			defer wg.Done()
			f.Then(func(v int) { results <- v })
		}()
		wg.Wait()
		close(results)

		for v := range results {
			require.Equal(t, 7, v)
		}
	}
}
