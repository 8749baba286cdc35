package chat

import "sync"

// revealRun discloses a reply rune by rune, one rune per tick. The run is
// tagged with its target conversation and the exchange generation so the
// reconciler can drop ticks and the completion signal once either is stale.
type revealRun struct {
	convID string
	gen    uint64

	mu        sync.Mutex
	text      []rune
	n         int
	cancelled bool
}

func newRevealRun(text, convID string, gen uint64) *revealRun {
	return &revealRun{text: []rune(text), convID: convID, gen: gen}
}

// step advances one tick. It returns the prefix now visible, whether this
// tick disclosed the final rune, and whether the run is still live. A run of
// L runes reports done on exactly the L-th step and never steps past it.
func (rv *revealRun) step() (prefix string, done bool, ok bool) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.cancelled || rv.n >= len(rv.text) {
		return "", false, false
	}
	rv.n++
	return string(rv.text[:rv.n]), rv.n == len(rv.text), true
}

// cancel abandons the run; no further prefixes and no completion signal.
func (rv *revealRun) cancel() {
	rv.mu.Lock()
	rv.cancelled = true
	rv.mu.Unlock()
}

func (rv *revealRun) remaining() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.cancelled {
		return 0
	}
	return len(rv.text) - rv.n
}
