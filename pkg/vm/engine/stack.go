package engine

// Word is the machine word: a signed 32-bit integer.
type Word = int32

// Operand stack constants.
const (
	DefaultStackSize = 1000 // Operand stack capacity
	DefaultCallDepth = 1000 // Max call depth
	DefaultGlobals   = 256  // Global store size when the image declares none

	// DefaultLocalWords bounds the local slots of all live frames.
	DefaultLocalWords = 1 << 20
)

// OperandStack is a bounded LIFO of machine words. The backing array is
// allocated once at construction and never grows.
type OperandStack struct {
	data []Word
	sp   int // Number of live elements
}

// NewOperandStack creates a stack with the given capacity.
func NewOperandStack(capacity int) *OperandStack {
	if capacity <= 0 {
		capacity = DefaultStackSize
	}
	return &OperandStack{data: make([]Word, capacity)}
}

// Push pushes v. It fails with ErrStackOverflow when the stack is full.
func (s *OperandStack) Push(v Word) error {
	if s.sp == len(s.data) {
		return ErrStackOverflow
	}
	s.data[s.sp] = v
	s.sp++
	return nil
}

// Pop removes and returns the top value.
func (s *OperandStack) Pop() (Word, error) {
	if s.sp == 0 {
		return 0, ErrStackUnderflow
	}
	s.sp--
	return s.data[s.sp], nil
}

// Pop2 pops b (the top) then a, returning them in push order.
func (s *OperandStack) Pop2() (a, b Word, err error) {
	if s.sp < 2 {
		return 0, 0, ErrStackUnderflow
	}
	s.sp -= 2
	return s.data[s.sp], s.data[s.sp+1], nil
}

// Peek returns the value depth elements below the top without removing it.
// Peek(0) is the top.
func (s *OperandStack) Peek(depth int) (Word, error) {
	if depth < 0 || depth >= s.sp {
		return 0, ErrStackUnderflow
	}
	return s.data[s.sp-1-depth], nil
}

// Size returns the number of live elements.
func (s *OperandStack) Size() int {
	return s.sp
}

// Cap returns the capacity.
func (s *OperandStack) Cap() int {
	return len(s.data)
}

// truncate drops everything above n. Callers guarantee n <= Size().
func (s *OperandStack) truncate(n int) {
	s.sp = n
}

// Snapshot returns a copy of the live elements, bottom first.
func (s *OperandStack) Snapshot() []Word {
	out := make([]Word, s.sp)
	copy(out, s.data[:s.sp])
	return out
}
