package engine

import (
	"fmt"
)

// Globals is the fixed-size global store. Its size is set at load time and
// never changes during a run.
type Globals struct {
	words []Word
}

// NewGlobals creates a zeroed store of the given size. When initial is
// non-nil its first min(len(initial), size) words seed the store.
func NewGlobals(size int, initial []Word) *Globals {
	g := &Globals{words: make([]Word, size)}
	copy(g.words, initial)
	return g
}

// Load reads the global at idx.
func (g *Globals) Load(idx int32) (Word, error) {
	if idx < 0 || int(idx) >= len(g.words) {
		return 0, fmt.Errorf("%w: index %d (size %d)", ErrInvalidGlobalAccess, idx, len(g.words))
	}
	return g.words[idx], nil
}

// Store writes v to the global at idx.
func (g *Globals) Store(idx int32, v Word) error {
	if idx < 0 || int(idx) >= len(g.words) {
		return fmt.Errorf("%w: index %d (size %d)", ErrInvalidGlobalAccess, idx, len(g.words))
	}
	g.words[idx] = v
	return nil
}

// Size returns the number of globals.
func (g *Globals) Size() int {
	return len(g.words)
}

// Snapshot returns a copy of the store.
func (g *Globals) Snapshot() []Word {
	out := make([]Word, len(g.words))
	copy(out, g.words)
	return out
}
