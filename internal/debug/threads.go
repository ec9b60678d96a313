package debug

import (
	"sync"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// defaultThreadID is used when no thread has been selected. Single-threaded adapters use 1.
const defaultThreadID = 1

// threadSet is the session's view of the debuggee threads.
type threadSet struct {
	mu      sync.RWMutex
	threads []dap.Thread
	active  int
}

// replace swaps in a fresh thread list. The active thread is kept only if it still exists.
func (t *threadSet) replace(threads []dap.Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.threads = append([]dap.Thread(nil), threads...)
	if t.active != 0 && t.indexLocked(t.active) < 0 {
		t.active = 0
	}
}

func (t *threadSet) list() []dap.Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dap.Thread(nil), t.threads...)
}

// add inserts a thread the session learned about from an event.
func (t *threadSet) add(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexLocked(id) < 0 {
		t.threads = append(t.threads, dap.Thread{Id: id})
	}
}

func (t *threadSet) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexLocked(id); i >= 0 {
		t.threads = append(t.threads[:i], t.threads[i+1:]...)
	}
	if t.active == id {
		t.active = 0
	}
}

// stoppedOn makes id the active thread, adding it if the session has not seen it yet.
func (t *threadSet) stoppedOn(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.indexLocked(id) < 0 {
		t.threads = append(t.threads, dap.Thread{Id: id})
	}
	t.active = id
}

// setActive selects a known thread.
func (t *threadSet) setActive(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.indexLocked(id) < 0 {
		return &UnknownThreadError{ThreadID: id}
	}
	t.active = id
	return nil
}

// activeThread returns the selected thread, if any.
func (t *threadSet) activeThread() (dap.Thread, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if i := t.indexLocked(t.active); i >= 0 {
		return t.threads[i], true
	}
	return dap.Thread{}, false
}

// target resolves the thread an execution request applies to.
func (t *threadSet) target(id int) int {
	if id != 0 {
		return id
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.active != 0 {
		return t.active
	}
	return defaultThreadID
}

func (t *threadSet) reset() {
	t.mu.Lock()
	t.threads = nil
	t.active = 0
	t.mu.Unlock()
}

func (t *threadSet) indexLocked(id int) int {
	for i, th := range t.threads {
		if th.Id == id {
			return i
		}
	}
	return -1
}
