package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyedLocker()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("invoice:1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.held())
}

func TestKeyedLocker_OppositeOrderDoesNotDeadlock(t *testing.T) {
	l := NewKeyedLocker()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Lock("invoice:1", "wallet:1")()
		}()
		go func() {
			defer wg.Done()
			l.Lock("wallet:1", "invoice:1")()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.held())
}

func TestKeyedLocker_IgnoresEmptyAndRepeatedKeys(t *testing.T) {
	l := NewKeyedLocker()

	unlock := l.Lock("a", "", "a", "b")
	assert.Equal(t, 2, l.held())
	unlock()
	assert.Equal(t, 0, l.held())
}
