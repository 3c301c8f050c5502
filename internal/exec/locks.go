package exec

import (
	"sync"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// keyTable is the in-process resource-key lock table. A key is active from
// accept until the execution settles, fails, or the reconciler resolves a
// timed-out submission. Contenders are rejected, never queued.
type keyTable struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	recordID   string
	state      domain.ExecState
	distUnlock func() // distributed lock release, nil when not held
}

func newKeyTable() *keyTable {
	return &keyTable{entries: make(map[string]*keyEntry)}
}

// tryAcquire claims key for recordID. Returns domain.ErrBusy if any execution
// is already holding it.
func (t *keyTable) tryAcquire(key, recordID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.entries[key]; held {
		return domain.ErrBusy
	}
	t.entries[key] = &keyEntry{recordID: recordID, state: domain.ExecLocked}
	return nil
}

// attachUnlock stores the distributed-lock release for key so a timed-out
// submission keeps the cross-instance lock until reconciled.
func (t *keyTable) attachUnlock(key string, unlock func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.distUnlock = unlock
	}
}

func (t *keyTable) setState(key string, state domain.ExecState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.state = state
	}
}

// release frees key and fires the distributed unlock if one is attached.
func (t *keyTable) release(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()
	if ok && e.distUnlock != nil {
		e.distUnlock()
	}
}

// holder returns the record ID currently holding key.
func (t *keyTable) holder(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return "", false
	}
	return e.recordID, true
}

// active returns the number of held keys.
func (t *keyTable) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// keyFor returns the resource key held by recordID, if any.
func (t *keyTable) keyFor(recordID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.recordID == recordID {
			return k, true
		}
	}
	return "", false
}
