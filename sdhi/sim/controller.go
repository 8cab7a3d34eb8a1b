// Package sim implements sdhi.Port in software: a host controller with its
// register file, data buffer and DMA engine, attached to a simulated SD or MMC
// card.
//
// The controller executes everything synchronously while the host writes its
// registers, so a wait never has to sleep unless a fault leaves the host
// waiting for an event that never comes.
package sim

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// Faults injects misbehaviour. Counters are decremented as faults fire.
type Faults struct {
	// CmdTimeouts maps a command index to the number of times the card
	// ignores it. A negative count never expires.
	CmdTimeouts map[uint8]int

	ZeroRCA       int  // SEND_RELATIVE_ADDR publishes RCA 0
	DropWrites    int  // blocks acknowledged but not programmed
	OutOfRange    bool // raise OUT_OF_RANGE when the next data phase ends
	IfCondEcho    bool // corrupt the CMD8 check pattern
	IfCondVoltage bool // CMD8 echoes the low voltage range
	StuckBusy     bool // command engine stays busy until soft reset
	DMAHang       bool // DMA never signals completion

	// ProgramPolls is the number of SEND_STATUS polls a sector write stays
	// in the programming state. It does not expire.
	ProgramPolls int
}

// Config describes the controller around the card slot.
type Config struct {
	BaseClock    uint32  // controller input clock in Hz
	DMAAlign     uintptr // zero disables DMA
	CardDetect   bool
	WriteProtect bool
	Trace        io.Writer // command frames are logged here if set
}

// Record is one command as seen on the CMD line.
type Record struct {
	Cmd   sdhi.Command
	Arg   uint32
	Frame sdhi.Frame
}

type xfer struct {
	cmd   sdhi.Command
	size  int
	auto  bool
	count int
	done  int
	dma   bool
	block []byte
	pos   int
}

type Controller struct {
	Faults Faults

	cfg     Config
	mu      sync.Mutex
	irq     sync.Mutex
	card    *Card
	events  *sdhi.Events
	handler sdhi.Handler
	powered bool

	info1   sdhi.Info1
	info2   sdhi.Info2
	mask1   sdhi.Info1
	mask2   sdhi.Info2
	clk     sdhi.ClkCtrl
	option  sdhi.Option
	ext     sdhi.ExtMode
	stop    sdhi.Stop
	softRst sdhi.SoftRst
	arg     uint32
	size    uint32
	secCnt  uint32
	portSel uint32
	rsp     [4]uint32

	x       *xfer
	dmaBuf  []byte
	dmaDir  sdhi.Direction
	dmaDone bool

	accesses int
	log      []Record
}

func New(cfg Config) *Controller {
	if cfg.BaseClock == 0 {
		cfg.BaseClock = 66_666_666
	}
	c := &Controller{
		cfg:    cfg,
		events: sdhi.NewEvents(16),
	}
	c.reset()
	return c
}

func (c *Controller) reset() {
	c.x = nil
	c.info1 = 0
	c.info2 = 0
	c.mask1 = ^sdhi.Info1(0)
	c.mask2 = ^sdhi.Info2(0)
	c.clk = 0x20 // divide by 128
	c.option = sdhi.OptionDefault
	c.stop = 0
	c.softRst = sdhi.SoftRstIdle | sdhi.SoftRstRelease
	c.Faults.StuckBusy = false
}

// SetHandler installs the interrupt callbacks. They are invoked with the
// controller's lock held and must not call back into the Port.
func (c *Controller) SetHandler(h sdhi.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Insert puts a card into the slot.
func (c *Controller) Insert(card *Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.card = card
	card.faults = &c.Faults
	card.reset()
	c.raise1(sdhi.Info1CardInserted)
}

// Eject removes the card. A transfer in flight stalls like on real hardware.
func (c *Controller) Eject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.card = nil
	c.raise1(sdhi.Info1CardRemoved)
}

func (c *Controller) Card() *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.card
}

// Accesses counts register and DMA operations performed by the host.
func (c *Controller) Accesses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accesses
}

// Commands returns the commands issued so far.
func (c *Controller) Commands() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.log...)
}

func (c *Controller) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = c.log[:0]
}

// ClockEnabled reports whether the card clock is running.
func (c *Controller) ClockEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk&sdhi.ClkEnable != 0
}

// BusWidth returns the width configured in SD_OPTION.
func (c *Controller) BusWidth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.option&sdhi.OptionWidth1 != 0 {
		return 1
	}
	return 4
}

// CardClock returns the configured card clock in Hz.
func (c *Controller) CardClock() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.BaseClock / divisor(c.clk&sdhi.ClkDivMask)
}

func divisor(code sdhi.ClkCtrl) uint32 {
	if code == 0xff {
		return 1
	}
	d := uint32(2)
	for code != 0 {
		d <<= 1
		code >>= 1
	}
	return d
}

func (c *Controller) ClockDivider(hz uint32) sdhi.ClkCtrl {
	if hz >= c.cfg.BaseClock {
		return 0xff
	}
	code := sdhi.ClkCtrl(0)
	for c.cfg.BaseClock/divisor(code) > hz && code < 0x80 {
		if code == 0 {
			code = 1
		} else {
			code <<= 1
		}
	}
	return code
}

func (c *Controller) raise1(bits sdhi.Info1) {
	c.info1 |= bits
	if bits&^c.mask1 == 0 {
		return
	}
	extra := uint32(c.info1)
	if bits&(sdhi.Info1CardInserted|sdhi.Info1CardRemoved) != 0 {
		c.events.Post(sdhi.Event{Kind: sdhi.EventCardDetect, Extra: extra})
		if c.handler != nil {
			c.handler.CardDetect(extra)
		}
		return
	}
	c.events.Post(sdhi.Event{Kind: sdhi.EventTransfer, Extra: extra})
	if c.handler != nil {
		c.handler.TransferEnd(extra)
	}
}

func (c *Controller) raise2(bits sdhi.Info2) {
	c.info2 |= bits
	if bits&^c.mask2 == 0 {
		return
	}
	extra := uint32(c.info2)
	c.events.Post(sdhi.Event{Kind: sdhi.EventTransfer, Extra: extra})
	if c.handler != nil {
		c.handler.TransferEnd(extra)
	}
}

func (c *Controller) busy() bool {
	return c.x != nil || c.Faults.StuckBusy
}

func (c *Controller) Read(r sdhi.Reg) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accesses++

	switch r {
	case sdhi.RegInfo1:
		v := c.info1
		if c.card != nil {
			v |= sdhi.Info1CardDetect
			if c.card.spec.WriteProtect {
				v |= sdhi.Info1WriteProtect
			}
		}
		return uint64(v)
	case sdhi.RegInfo2:
		v := c.info2
		if c.busy() {
			v |= sdhi.Info2CmdBusy
		} else {
			v |= sdhi.Info2ClkDivEnabled
		}
		return uint64(v)
	case sdhi.RegBuf0:
		return uint64(c.readBuf())
	case sdhi.RegRsp10:
		return uint64(c.rsp[0])
	case sdhi.RegRsp32:
		return uint64(c.rsp[1])
	case sdhi.RegRsp54:
		return uint64(c.rsp[2])
	case sdhi.RegRsp76:
		return uint64(c.rsp[3])
	case sdhi.RegInfo1Mask:
		return uint64(c.mask1)
	case sdhi.RegInfo2Mask:
		return uint64(c.mask2)
	case sdhi.RegClkCtrl:
		return uint64(c.clk)
	case sdhi.RegOption:
		return uint64(c.option)
	case sdhi.RegExtMode:
		return uint64(c.ext)
	case sdhi.RegStop:
		return uint64(c.stop)
	case sdhi.RegSecCnt:
		if c.x != nil && c.x.auto {
			return uint64(c.x.count - c.x.done)
		}
		return uint64(c.secCnt)
	case sdhi.RegSize:
		return uint64(c.size)
	case sdhi.RegArg:
		return uint64(c.arg)
	case sdhi.RegSoftRst:
		return uint64(c.softRst)
	case sdhi.RegPortSel:
		return uint64(c.portSel)
	case sdhi.RegVersion:
		return 0x820b
	}
	return 0
}

func (c *Controller) Write(r sdhi.Reg, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accesses++

	switch r {
	case sdhi.RegCmd:
		c.command(sdhi.Decode(v))
	case sdhi.RegArg:
		c.arg = uint32(v)
	case sdhi.RegInfo1:
		c.info1 &= sdhi.Info1(v)
	case sdhi.RegInfo2:
		c.info2 &= sdhi.Info2(v)
	case sdhi.RegInfo1Mask:
		c.mask1 = sdhi.Info1(v)
	case sdhi.RegInfo2Mask:
		c.mask2 = sdhi.Info2(v)
	case sdhi.RegStop:
		c.stop = sdhi.Stop(v) &^ sdhi.StopAbort
		if sdhi.Stop(v)&sdhi.StopAbort != 0 && c.x != nil {
			c.x = nil
			c.raise1(sdhi.Info1AccessEnd)
		}
	case sdhi.RegBuf0:
		c.writeBuf(uint32(v))
	case sdhi.RegClkCtrl:
		c.clk = sdhi.ClkCtrl(v)
	case sdhi.RegOption:
		c.option = sdhi.Option(v)
	case sdhi.RegExtMode:
		c.ext = sdhi.ExtMode(v)
	case sdhi.RegSize:
		c.size = uint32(v)
	case sdhi.RegSecCnt:
		c.secCnt = uint32(v)
	case sdhi.RegPortSel:
		c.portSel = uint32(v)
	case sdhi.RegSoftRst:
		if sdhi.SoftRst(v)&sdhi.SoftRstRelease == 0 {
			c.reset()
		}
		c.softRst = sdhi.SoftRst(v)
	}
}

func (c *Controller) command(cmd sdhi.Command) {
	if c.clk&sdhi.ClkEnable == 0 || c.busy() || c.softRst&sdhi.SoftRstRelease == 0 {
		c.raise2(sdhi.Info2IllegalAccess)
		return
	}
	f := sdhi.NewFrame(cmd.Index(), c.arg)
	c.log = append(c.log, Record{cmd, c.arg, f})
	if c.cfg.Trace != nil {
		prefix := "CMD"
		if cmd.App() {
			prefix = "ACMD"
		}
		fmt.Fprintf(c.cfg.Trace, "%s%d\t%08x\t% x\n", prefix, cmd.Index(), c.arg, f[:])
	}

	if c.card == nil || !c.powered {
		c.raise2(sdhi.Info2RespTimeout)
		return
	}
	if n, ok := c.Faults.CmdTimeouts[cmd.Index()]; ok && n != 0 {
		if n > 0 {
			c.Faults.CmdTimeouts[cmd.Index()] = n - 1
		}
		c.raise2(sdhi.Info2RespTimeout)
		return
	}

	resp, ok := c.card.execute(cmd, c.arg)
	if cmd.Response() == sdhi.RespNone {
		c.raise1(sdhi.Info1RespEnd)
		return
	}
	if !ok {
		c.raise2(sdhi.Info2RespTimeout)
		return
	}
	c.rsp = resp
	c.raise1(sdhi.Info1RespEnd)

	if cmd.Response() == sdhi.RespR1b {
		c.raise1(sdhi.Info1AccessEnd)
	}
	if !cmd.Data() || c.card.op == nil {
		return
	}

	c.x = &xfer{
		cmd:   cmd,
		size:  int(c.size),
		auto:  cmd.Multi() && c.stop&sdhi.StopBlockCount != 0,
		count: int(c.secCnt),
		dma:   c.ext&sdhi.ExtModeDMA != 0,
	}
	if c.x.size == 0 {
		c.x.size = sdhi.SectorSize
	}
	if cmd.Read() {
		c.prefetch()
	} else if !c.x.dma {
		c.raise2(sdhi.Info2WriteReady)
	}
}

// prefetch loads the next block of a read into the buffer.
func (c *Controller) prefetch() {
	b, ok := c.card.readBlock(c.x.size)
	if !ok {
		return
	}
	c.x.block, c.x.pos = b, 0
	if !c.x.dma {
		c.raise2(sdhi.Info2ReadReady)
	}
}

// advance accounts one block moved through the buffer and either finishes
// the data phase or prepares the next block.
func (c *Controller) advance() {
	x := c.x
	x.done++
	if !x.cmd.Multi() || x.auto && x.done >= x.count {
		if c.card != nil {
			c.card.endData()
		}
		c.x = nil
		c.raise1(sdhi.Info1AccessEnd)
		return
	}
	if x.cmd.Read() {
		c.prefetch()
	} else if !x.dma {
		c.raise2(sdhi.Info2WriteReady)
	}
}

func (c *Controller) readBuf() uint32 {
	x := c.x
	if x == nil || !x.cmd.Read() || x.block == nil || c.card == nil {
		c.raise2(sdhi.Info2BufUnderrun)
		return 0
	}
	var w [4]byte
	copy(w[:], x.block[x.pos:])
	x.pos += 4
	if x.pos >= len(x.block) {
		x.block = nil
		c.advance()
	}
	return binary.LittleEndian.Uint32(w[:])
}

func (c *Controller) writeBuf(v uint32) {
	x := c.x
	if x == nil || x.cmd.Read() || c.card == nil {
		c.raise2(sdhi.Info2BufOverflow)
		return
	}
	if x.block == nil {
		x.block, x.pos = make([]byte, x.size), 0
	}
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], v)
	x.pos += copy(x.block[x.pos:], w[:])
	if x.pos >= len(x.block) {
		c.card.writeBlock(x.block)
		x.block = nil
		c.advance()
	}
}

func (c *Controller) WaitInterrupt(timeout time.Duration) error {
	_, err := c.events.Wait(timeout)
	return err
}

// InitDMA starts the DMA engine. The data phase of the pending command runs
// to completion or until the buffer is exhausted.
func (c *Controller) InitDMA(buf []byte, dir sdhi.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accesses++

	if c.cfg.DMAAlign == 0 {
		return fmt.Errorf("sim: no DMA engine")
	}
	c.dmaBuf, c.dmaDir, c.dmaDone = buf, dir, false

	for off := 0; c.x != nil && c.x.dma && c.card != nil; {
		x := c.x
		if off+x.size > len(buf) {
			break
		}
		if dir == sdhi.ToMemory {
			if x.block == nil {
				break
			}
			copy(buf[off:], x.block)
			x.block = nil
		} else {
			c.card.writeBlock(buf[off : off+x.size])
		}
		off += x.size
		c.advance()
	}

	if c.Faults.DMAHang {
		return nil
	}
	c.dmaDone = true
	c.events.Post(sdhi.Event{Kind: sdhi.EventDMA})
	if c.handler != nil {
		c.handler.DMAEnd(0)
	}
	return nil
}

func (c *Controller) WaitDMAEnd(timeout time.Duration) error {
	c.mu.Lock()
	done := c.dmaDone
	c.accesses++
	c.mu.Unlock()
	if !done {
		time.Sleep(min(timeout, time.Millisecond))
		return sdhi.ErrTimeout
	}
	return nil
}

func (c *Controller) DisableDMA() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accesses++
	c.dmaBuf = nil
}

func (c *Controller) ResetDMA() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accesses++
	c.dmaBuf = nil
	c.dmaDone = false
	c.Faults.DMAHang = false
}

func (c *Controller) PowerOn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.powered && c.card != nil {
		c.card.reset()
	}
	c.powered = true
	return nil
}

func (c *Controller) PowerOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = false
	c.x = nil
	return nil
}

func (c *Controller) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

func (c *Controller) Lock()   { c.irq.Lock() }
func (c *Controller) Unlock() { c.irq.Unlock() }

func (c *Controller) CardDetectSupported() bool   { return c.cfg.CardDetect }
func (c *Controller) WriteProtectSupported() bool { return c.cfg.WriteProtect }
func (c *Controller) DMAAlign() uintptr           { return c.cfg.DMAAlign }
