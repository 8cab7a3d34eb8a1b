package sdmmc

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"github.com/d-kato/mbed-gr-libs-sub001/debug"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// request is one ReadSectors or WriteSectors call.
type request struct {
	buf    []byte
	sector uint32
	count  uint32
	write  bool
	erase  bool // no data phase
	dma    bool
}

// ReadSectors reads count sectors starting at sector start into buf.
func (ch *Channel) ReadSectors(buf []byte, start, count uint32) error {
	return ch.transfer(request{buf: buf, sector: start, count: count})
}

// WriteSectors writes count sectors from buf starting at sector start.
func (ch *Channel) WriteSectors(buf []byte, start, count uint32) error {
	return ch.transfer(request{buf: buf, sector: start, count: count, write: true})
}

// admit checks the preconditions of a transfer from cached state only, a
// rejected request never reaches the controller.
func (ch *Channel) admit(r *request) error {
	switch {
	case ch.state == MountedLocked:
		return ErrCardLocked
	case ch.state != MountedUnlocked:
		return ErrNotMounted
	case ch.stop.Swap(false):
		return ErrStopped
	case !ch.present.Load():
		return ErrNoCard
	case r.sector >= ch.sectors || uint64(r.sector)+uint64(r.count) > uint64(ch.sectors):
		return fmt.Errorf("%w: sectors %d+%d of %d", ErrOutOfRange, r.sector, r.count, ch.sectors)
	case ch.standby:
		return ErrStandby
	case !r.erase && uint64(len(r.buf)) < uint64(r.count)*sdhi.SectorSize:
		return ErrShortBuffer
	case r.write && ch.wp != 0:
		return ErrWriteProtect
	}
	return nil
}

// dmaCapable reports whether p can be moved by the DMA engine.
func (ch *Channel) dmaCapable(p []byte) bool {
	align := ch.port.DMAAlign()
	if ch.mode&ModeDMA == 0 || align == 0 || len(p) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))%align == 0
}

func (ch *Channel) transfer(r request) (err error) {
	ch.begin()
	if err := ch.admit(&r); err != nil {
		return ch.fail(err)
	}
	if r.count == 0 {
		return nil
	}
	r.dma = ch.dmaCapable(r.buf)

	defer ch.end(&err)
	if err := ch.clockOn(); err != nil {
		return ch.fail(err)
	}

	for done := uint32(0); done < r.count; {
		if done > 0 && ch.stop.Swap(false) {
			ch.stopReg.Store(sdhi.StopAbort)
			return ch.fail(ErrStopped)
		}
		n := min(r.count-done, ch.cfg.ChunkLimit)
		p := r.buf[done*sdhi.SectorSize : (done+n)*sdhi.SectorSize]
		var err error
		if n < MinChunk {
			err = ch.single(p, r.sector+done, n, r)
		} else {
			err = ch.multi(p, r.sector+done, n, r)
		}
		if err != nil {
			return ch.fail(err)
		}
		done += n
	}
	return nil
}

// address converts a sector number to a command argument.
func (ch *Channel) address(sector uint32) uint32 {
	if ch.ccs {
		return sector
	}
	return sector * sdhi.SectorSize
}

// single moves n sectors with one command each.
func (ch *Channel) single(p []byte, sector, n uint32, r request) error {
	cmd := sdhi.CmdReadSingle
	if r.write {
		cmd = sdhi.CmdWriteSingle
	}
	for i := range n {
		blk := p[i*sdhi.SectorSize : (i+1)*sdhi.SectorSize]
		if err := ch.burst(cmd, blk, sector+i, 1, r, false); err != nil {
			return err
		}
		if err := ch.verify(sector+i+1 == ch.sectors); err != nil {
			return err
		}
	}
	return nil
}

// multi moves n sectors with one multiple block command. A burst reaching
// the last sector of an MMC relies on the controller's automatic stop,
// everything else is ended with STOP_TRANSMISSION.
func (ch *Channel) multi(p []byte, sector, n uint32, r request) error {
	cmd := sdhi.CmdReadMulti
	if r.write {
		cmd = sdhi.CmdWriteMulti
	}
	last := sector+n == ch.sectors
	auto := last && ch.media&MediaMMC != 0

	if err := ch.burst(cmd, p, sector, n, r, auto); err != nil {
		return err
	}
	if !auto {
		var ignore sdhi.CardStatus
		if last {
			ignore = sdhi.StatusOutOfRange
		}
		if err := ch.execIgnore(sdhi.CmdStopTransmit, 0, respR1b, ignore); err != nil {
			return err
		}
	}
	if err := ch.verify(last); err != nil {
		return err
	}
	if r.write && ch.media&MediaSD != 0 {
		return ch.checkWritten(n)
	}
	return nil
}

// burst issues one data command and moves its n blocks.
func (ch *Channel) burst(cmd sdhi.Command, p []byte, sector, n uint32, r request, auto bool) error {
	debug.Assert(len(p) == int(n)*sdhi.SectorSize, "sdmmc: burst of %d sectors with %d byte buffer", n, len(p))
	ch.size.Store(sdhi.SectorSize)
	if auto {
		ch.secCnt.Store(n)
		ch.stopReg.Store(sdhi.StopBlockCount)
	} else {
		ch.stopReg.Store(0)
	}
	if r.dma {
		ch.ext.Store(sdhi.ExtModeDMA)
	} else {
		ch.ext.Store(0)
	}
	defer ch.ext.Store(0)

	if err := ch.exec(cmd, ch.address(sector), respR1); err != nil {
		return err
	}

	window := ch.cfg.dataTimeout(n)
	var err error
	if r.dma {
		err = ch.dma(p, r.write, window)
	} else {
		err = ch.pio(p, sdhi.SectorSize, r.write)
	}
	if err != nil {
		return cmdError(cmd, err)
	}

	var stop func()
	if cmd.Multi() && !auto {
		stop = func() { ch.stopReg.Store(sdhi.StopAbort) }
	}
	err = ch.await(sdhi.Info1AccessEnd, 0, window, ErrTimeoutData, stop)
	ch.stopReg.Store(0)
	if err != nil {
		return cmdError(cmd, err)
	}
	ch.info1.Ack(sdhi.Info1AccessEnd)
	return nil
}

// pio moves p through SD_BUF0 in blocks of size bytes, one buffer ready
// event per block.
func (ch *Channel) pio(p []byte, size int, write bool) error {
	want := sdhi.Info2ReadReady
	if write {
		want = sdhi.Info2WriteReady
	}
	for off := 0; off < len(p); off += size {
		if err := ch.await(0, want, ch.cfg.Timeouts.Data, ErrTimeoutData, nil); err != nil {
			return err
		}
		ch.info2.Ack(want)
		blk := p[off:min(off+size, len(p))]
		var w [4]byte
		for i := 0; i < len(blk); i += 4 {
			if write {
				w = [4]byte{}
				copy(w[:], blk[i:])
				ch.buf.Store(binary.LittleEndian.Uint32(w[:]))
			} else {
				binary.LittleEndian.PutUint32(w[:], ch.buf.Load())
				copy(blk[i:], w[:])
			}
		}
	}
	return nil
}

// dma moves p with the DMA engine and waits up to timeout until it drained.
func (ch *Channel) dma(p []byte, write bool, timeout time.Duration) error {
	dir := sdhi.ToMemory
	if write {
		dir = sdhi.FromMemory
	}
	ch.dmaUsed = true
	ch.dmaDone.Store(false)
	if err := ch.port.InitDMA(p, dir); err != nil {
		return fmt.Errorf("%w: %w", ErrHostInterface, err)
	}
	err := ch.waitDMA(timeout)
	ch.port.DisableDMA()
	return err
}

func (ch *Channel) waitDMA(timeout time.Duration) error {
	if ch.mode&ModeHWInt == 0 {
		if ch.port.WaitDMAEnd(timeout) != nil {
			return ErrTimeoutData
		}
		return nil
	}
	deadline := time.Now().Add(timeout)
	for !ch.dmaDone.Load() {
		left := time.Until(deadline)
		if left <= 0 {
			return ErrTimeoutData
		}
		ch.events.Wait(left)
	}
	return nil
}

// Pause between status polls while the card is programming.
const (
	minStatusPause = 20 * time.Microsecond
	maxStatusPause = 2 * time.Millisecond
)

// verify polls the card status until the card is back in the transfer
// state. OUT_OF_RANGE is tolerated after a burst that ended on the last
// sector, where the card raises it as an artifact of prefetching.
func (ch *Channel) verify(last bool) error {
	var ignore sdhi.CardStatus
	if last {
		ignore = sdhi.StatusOutOfRange
	}
	deadline := time.Now().Add(ch.cfg.Timeouts.Data)
	pause := minStatusPause
	for {
		s, err := ch.status(ignore)
		if err != nil {
			return err
		}
		switch s.State() {
		case sdhi.StateTran:
			return nil
		case sdhi.StatePrg:
			if time.Now().After(deadline) {
				return cmdError(sdhi.CmdSendStatus, ErrTimeoutData)
			}
			time.Sleep(pause)
			pause = min(2*pause, maxStatusPause)
		default:
			return cmdError(sdhi.CmdSendStatus, fmt.Errorf("%w: card in %v state", ErrInternal, s.State()))
		}
	}
}

// checkWritten compares the card's count of well written blocks with the
// burst size.
func (ch *Channel) checkWritten(n uint32) error {
	var b [4]byte
	if err := ch.readData(sdhi.AcmdNumWrBlocks, 0, b[:]); err != nil {
		return err
	}
	if got := binary.BigEndian.Uint32(b[:]); got != n {
		return fmt.Errorf("%w: %d of %d blocks", ErrShortWrite, got, n)
	}
	return nil
}

// readData runs an application command with a short data phase, such as
// the SCR or SD status read.
func (ch *Channel) readData(cmd sdhi.Command, arg uint32, p []byte) error {
	ch.ext.Store(0)
	ch.stopReg.Store(0)
	ch.size.Store(uint32(len(p)))
	defer ch.size.Store(sdhi.SectorSize)

	if err := ch.app(cmd, arg, respR1); err != nil {
		return err
	}
	if err := ch.pio(p, len(p), false); err != nil {
		return cmdError(cmd, err)
	}
	if err := ch.await(sdhi.Info1AccessEnd, 0, ch.cfg.Timeouts.Data, ErrTimeoutData, nil); err != nil {
		return cmdError(cmd, err)
	}
	ch.info1.Ack(sdhi.Info1AccessEnd)
	return nil
}
