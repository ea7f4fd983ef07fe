package store

import "sync"

// Guard is the compact exclusion lock: a two-mode latch shared by the
// entry and chain stores of one logical index. Upserts hold it shared,
// a compaction holds it exclusively. Acquisition never blocks; a caller
// that cannot acquire gets ErrBusy immediately so a long compaction
// cannot silently stall foreground traffic.
type Guard struct {
	mu         sync.Mutex
	upserts    int
	compacting bool
}

// NewGuard returns an idle guard.
func NewGuard() *Guard { return &Guard{} }

// BeginUpsert acquires shared access. It fails with ErrBusy while a
// compaction holds the guard exclusively.
func (g *Guard) BeginUpsert() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.compacting {
		return ErrBusy
	}
	g.upserts++
	return nil
}

// EndUpsert releases shared access. It must be called exactly once per
// successful BeginUpsert, on success and failure alike.
func (g *Guard) EndUpsert() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.upserts > 0 {
		g.upserts--
	}
}

// BeginCompact acquires exclusive access. It fails with ErrBusy if any
// upsert holds the guard shared or another compaction is in progress.
func (g *Guard) BeginCompact() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.compacting || g.upserts > 0 {
		return ErrBusy
	}
	g.compacting = true
	return nil
}

// EndCompact releases exclusive access.
func (g *Guard) EndCompact() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compacting = false
}
