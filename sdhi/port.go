package sdhi

import (
	"errors"
	"time"
)

// Direction of a DMA transfer relative to memory.
type Direction uint8

const (
	ToMemory   Direction = iota // card to buffer, read
	FromMemory                  // buffer to card, write
)

var ErrTimeout = errors.New("sdhi: wait timed out")

// Port is the board specific access to one controller channel. The protocol
// engine never touches registers, clocks or the DMA engine in any other way.
//
// Implementations decide whether WaitInterrupt sleeps on a real interrupt or
// polls. Every blocking method returns ErrTimeout once its timeout expired.
type Port interface {
	Read(r Reg) uint64
	Write(r Reg, v uint64)

	// ClockDivider returns the SD_CLK_CTRL divider code for the highest
	// card clock not exceeding hz.
	ClockDivider(hz uint32) ClkCtrl

	WaitInterrupt(timeout time.Duration) error

	InitDMA(buf []byte, dir Direction) error
	WaitDMAEnd(timeout time.Duration) error
	DisableDMA()
	ResetDMA()

	PowerOn() error
	PowerOff() error

	// Lock and Unlock bracket updates of the interrupt mask registers,
	// keeping the interrupt dispatcher out while they change.
	Lock()
	Unlock()

	CardDetectSupported() bool
	WriteProtectSupported() bool

	// DMAAlign returns the buffer alignment DMA requires, zero if the
	// channel has no DMA engine.
	DMAAlign() uintptr
}

// Handler is the callback surface an interrupt dispatcher drives. The extra
// code is the value of the status register that raised the interrupt.
type Handler interface {
	CardDetect(extra uint32)
	TransferEnd(extra uint32)
	DMAEnd(extra uint32)
}
