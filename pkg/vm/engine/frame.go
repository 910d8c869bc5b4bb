package engine

import "fmt"

// Frame is an activation record. Frames live in the call stack's arena and
// are addressed by index; Caller is the arena index of the enclosing frame
// (-1 for the outermost frame) and carries no ownership.
type Frame struct {
	Function   int // Function index, -1 for the outermost frame
	ReturnAddr int // Address following the CALL that created the frame
	Caller     int // Arena index of the caller, -1 for none
	StackBase  int // Operand stack depth at entry, after arguments were popped

	localsBase int
	localsLen  int
}

// CallStack owns every frame and all local-variable storage. Push creates
// a frame, Pop destroys it; nothing else holds frame memory.
type CallStack struct {
	frames   []Frame
	locals   []Word
	max      int
	maxWords int
}

// NewCallStack creates a call stack holding a single outermost frame with
// rootLocals zeroed slots. maxDepth bounds the number of nested calls
// above the outermost frame and maxWords the local slots of all frames
// together. The outermost frame is always allocated.
func NewCallStack(maxDepth, maxWords, rootLocals int) *CallStack {
	if maxDepth <= 0 {
		maxDepth = DefaultCallDepth
	}
	if maxWords <= 0 {
		maxWords = DefaultLocalWords
	}
	c := &CallStack{
		frames:   make([]Frame, 0, 64),
		locals:   make([]Word, 0, min(256, maxWords)),
		max:      maxDepth,
		maxWords: maxWords,
	}
	c.push(Frame{Function: -1, ReturnAddr: -1}, rootLocals)
	return c
}

// Push pushes a new frame with nlocals zeroed locals and returns them.
// It fails with ErrCallStackOverflow when the depth limit is reached or the
// frame's locals would exceed the word budget.
func (c *CallStack) Push(f Frame, nlocals int) ([]Word, error) {
	if c.Depth() >= c.max {
		return nil, ErrCallStackOverflow
	}
	if len(c.locals)+nlocals > c.maxWords {
		return nil, fmt.Errorf("%w: %d local words in use, frame needs %d (limit %d)", ErrCallStackOverflow, len(c.locals), nlocals, c.maxWords)
	}
	c.push(f, nlocals)
	return c.Locals(), nil
}

func (c *CallStack) push(f Frame, nlocals int) {
	f.Caller = len(c.frames) - 1
	f.localsBase = len(c.locals)
	f.localsLen = nlocals

	need := f.localsBase + nlocals
	if need > cap(c.locals) {
		grown := make([]Word, f.localsBase, max(need, min(2*need, c.maxWords)))
		copy(grown, c.locals)
		c.locals = grown
	}
	c.locals = c.locals[:need]
	clear(c.locals[f.localsBase:need])

	c.frames = append(c.frames, f)
}

// Pop removes the innermost frame. The outermost frame is never popped;
// ok is false when only it remains.
func (c *CallStack) Pop() (f Frame, ok bool) {
	if len(c.frames) <= 1 {
		return Frame{}, false
	}
	f = c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	c.locals = c.locals[:f.localsBase]
	return f, true
}

// Current returns the innermost frame.
func (c *CallStack) Current() *Frame {
	return &c.frames[len(c.frames)-1]
}

// Locals returns the innermost frame's local storage.
func (c *CallStack) Locals() []Word {
	f := &c.frames[len(c.frames)-1]
	return c.locals[f.localsBase : f.localsBase+f.localsLen]
}

// Depth returns the number of live frames above the outermost one.
func (c *CallStack) Depth() int {
	return len(c.frames) - 1
}

// MaxDepth returns the configured limit.
func (c *CallStack) MaxDepth() int {
	return c.max
}

// LocalWords returns the local slots held by all live frames.
func (c *CallStack) LocalWords() int {
	return len(c.locals)
}

// Backtrace returns return addresses from the innermost frame outwards,
// following the caller links.
func (c *CallStack) Backtrace() []int {
	out := make([]int, 0, c.Depth())
	for i := len(c.frames) - 1; i > 0; i = c.frames[i].Caller {
		out = append(out, c.frames[i].ReturnAddr)
	}
	return out
}
