package ledger

import (
	"sort"
	"sync"
)

// KeyedLocker serializes mutations per entity key ("invoice:<id>",
// "wallet:<id>"). Entries are reference counted and dropped when the last
// holder unlocks, so the map only holds keys that are in use.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*lockEntry)}
}

// Lock acquires every key in sorted order and returns a function releasing
// them. Sorting gives all callers the same acquisition order, so two
// operations touching the same wallet and invoice cannot deadlock.
// Empty and repeated keys are ignored.
func (l *KeyedLocker) Lock(keys ...string) (unlock func()) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)

	held := make([]*lockEntry, 0, len(uniq))
	for _, k := range uniq {
		e := l.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(uniq[i])
		}
	}
}

func (l *KeyedLocker) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// held returns the number of keys currently tracked. Used by tests.
func (l *KeyedLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
