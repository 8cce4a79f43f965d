package godesk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedFanOut(t *testing.T) {
	f := NewFeed[int](4)
	a, cancelA := f.Subscribe()
	b, cancelB := f.Subscribe()
	defer cancelA()
	defer cancelB()

	f.Publish(1)
	f.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
	assert.Equal(t, 2, f.Len())
}

func TestFeedDropsOldest(t *testing.T) {
	f := NewFeed[int](2)
	ch, cancel := f.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		f.Publish(i)
	}

	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)
}

func TestFeedUnsubscribe(t *testing.T) {
	f := NewFeed[string](1)
	ch, cancel := f.Subscribe()

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, f.Len())

	// publishing with nobody listening is fine
	f.Publish("x")
}

func TestFeedClose(t *testing.T) {
	f := NewFeed[int](1)
	ch, cancel := f.Subscribe()
	f.Close()

	_, ok := <-ch
	assert.False(t, ok)
	// unsubscribing after close must not double-close
	require.NotPanics(t, cancel)
}

func TestFeedConcurrentPublish(t *testing.T) {
	f := NewFeed[int](8)
	ch, cancel := f.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.Publish(i)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 8)
}
