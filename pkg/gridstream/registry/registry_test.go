package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstream/gridstream/pkg/gridstream/registry"
)

func TestRegisterGet(t *testing.T) {
	r := registry.New[string, int]()
	r.Register("a", 1)

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestTake(t *testing.T) {
	r := registry.New[string, string]()
	r.Register("k", "v")

	v, ok := r.Take("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	// Second take loses: the entry is gone.
	_, ok = r.Take("k")
	assert.False(t, ok)
}

func TestTakeConcurrent(t *testing.T) {
	r := registry.New[string, int]()
	r.Register("k", 42)

	var wins sync.WaitGroup
	won := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wins.Add(1)
		go func() {
			defer wins.Done()
			if _, ok := r.Take("k"); ok {
				won <- struct{}{}
			}
		}()
	}
	wins.Wait()
	close(won)

	count := 0
	for range won {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine should win the take")
}

func TestGetOrCreate(t *testing.T) {
	r := registry.New[string, *int]()
	calls := 0
	factory := func() *int {
		calls++
		v := calls
		return &v
	}

	first := r.GetOrCreate("k", factory)
	second := r.GetOrCreate("k", factory)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}
