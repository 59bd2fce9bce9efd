package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("ch1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "two holders inside the same key")
}

func TestKeyedIndependentKeys(t *testing.T) {
	k := NewKeyed()

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b") // must not block on "a"
		unlockB()
		close(done)
	}()

	<-done
	unlockA()
}

func TestKeyedMapShrinks(t *testing.T) {
	k := NewKeyed()

	for i := 0; i < 10; i++ {
		unlock := k.Lock("key")
		unlock()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.entries)
}
