package sdhi

// Bits is the set of register value types R can carry.
type Bits interface {
	~uint16 | ~uint32 | ~uint64
}

// R is a typed view of one register reached through a Port.
type R[T Bits] struct {
	port Port
	reg  Reg
}

func NewR[T Bits](p Port, r Reg) R[T] {
	return R[T]{p, r}
}

func (r R[T]) Load() T {
	return T(r.port.Read(r.reg))
}

func (r R[T]) Store(v T) {
	r.port.Write(r.reg, uint64(v))
}

func (r R[T]) LoadBits(mask T) T {
	return r.Load() & mask
}

func (r R[T]) SetBits(mask T) {
	r.Store(r.Load() | mask)
}

func (r R[T]) ClearBits(mask T) {
	r.Store(r.Load() &^ mask)
}

// Ack clears latched status bits. Writing zero clears a latched bit while
// ones leave it alone, so only the bits in mask are affected.
func (r R[T]) Ack(mask T) {
	r.Store(^mask)
}

func (r R[T]) Reg() Reg {
	return r.reg
}
