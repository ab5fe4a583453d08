package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPendingPreservesOrder(t *testing.T) {
	loop := New(clock.Fake(time.Unix(0, 0)))
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() { order = append(order, i) })
	}
	loop.Post(func() {
		loop.Post(func() { order = append(order, 99) })
	})

	assert.Equal(t, 7, loop.RunPending())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 99}, order)
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	loop := New(fake)
	fired := false

	loop.AfterFunc(time.Second, func() { fired = true })
	fake.Advance(time.Second)
	assert.False(t, fired, "timer callback must wait for the loop")

	loop.RunPending()
	assert.True(t, fired)
}

func TestPostAfterStop(t *testing.T) {
	loop := New(nil)
	loop.Stop()
	assert.False(t, loop.Post(func() {}))
	assert.Equal(t, 0, loop.RunPending())
}

func TestRunAndDo(t *testing.T) {
	loop := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()

	counter := 0
	var posters sync.WaitGroup
	for i := 0; i < 10; i++ {
		posters.Add(1)
		go func() {
			defer posters.Done()
			assert.True(t, loop.Do(ctx, func() { counter++ }))
		}()
	}
	posters.Wait()

	var got int
	require.True(t, loop.Do(ctx, func() { got = counter }))
	assert.Equal(t, 10, got)

	cancel()
	wg.Wait()
	assert.False(t, loop.Post(func() {}))
}
