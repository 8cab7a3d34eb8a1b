package sdmmc

import (
	"time"

	"golang.org/x/exp/slog"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// Iterations of the bounded spin on the command engine before a command is
// issued.
const busySpin = 10000

// respKind tells how a response is interpreted. SD_CMD only knows the
// response length, R1, R6 and R7 share one encoding.
type respKind uint8

const (
	respNone respKind = iota
	respR1
	respR1b
	respR2
	respR3
	respR6
	respR7
)

// idle spins until the command engine is idle and the clock divider usable.
func (ch *Channel) idle() error {
	for range busySpin {
		v := ch.info2.Load()
		if v&sdhi.Info2CmdBusy == 0 && v&sdhi.Info2ClkDivEnabled != 0 {
			return nil
		}
	}
	return ErrHostBusy
}

// arm unmasks the interrupt sources a wait is interested in.
func (ch *Channel) arm(want1 sdhi.Info1, want2 sdhi.Info2) {
	ch.port.Lock()
	ch.mask1.Store(ch.baseMask1() &^ want1)
	ch.mask2.Store(^(want2 | sdhi.Info2Errors))
	ch.port.Unlock()
}

// disarm masks all transfer interrupts again.
func (ch *Channel) disarm() {
	ch.port.Lock()
	ch.mask1.Store(ch.baseMask1())
	ch.mask2.Store(^sdhi.Info2(0))
	ch.port.Unlock()
}

// baseMask1 keeps card detection unmasked where the port supports it.
func (ch *Channel) baseMask1() sdhi.Info1 {
	if ch.port.CardDetectSupported() {
		return ^(sdhi.Info1CardInserted | sdhi.Info1CardRemoved)
	}
	return ^sdhi.Info1(0)
}

func (ch *Channel) waitInterrupt(timeout time.Duration) error {
	if ch.mode&ModeHWInt != 0 {
		_, err := ch.events.Wait(timeout)
		return err
	}
	return ch.port.WaitInterrupt(timeout)
}

// await runs start with the given interrupt sources enabled and waits until
// one of them or an error is latched. Status is read once more after the
// wait timed out so a late completion is still classified.
func (ch *Channel) await(want1 sdhi.Info1, want2 sdhi.Info2, timeout time.Duration, kind Error, start func()) error {
	ch.arm(want1, want2)
	defer ch.disarm()
	if start != nil {
		start()
	}

	deadline := time.Now().Add(timeout)
	for {
		i1, i2 := ch.info1.Load(), ch.info2.Load()
		if e := hostError(i2); e != 0 {
			return e
		}
		if i1&want1 != 0 || i2&want2 != 0 {
			return nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return kind
		}
		if ch.waitInterrupt(left) != nil {
			i1, i2 = ch.info1.Load(), ch.info2.Load()
			if e := hostError(i2); e != 0 {
				return e
			}
			if i1&want1 != 0 || i2&want2 != 0 {
				return nil
			}
			return kind
		}
	}
}

// timeout selects the wait window of a command class.
func (ch *Channel) timeout(cmd sdhi.Command) time.Duration {
	t := &ch.cfg.Timeouts
	switch {
	case cmd == sdhi.CmdErase:
		return t.Erase
	case cmd.App():
		return t.App
	case cmd.Data() && cmd.Multi():
		return t.Data
	}
	return t.Command
}

// send issues cmd and waits for its response.
func (ch *Channel) send(cmd sdhi.Command, arg uint32) error {
	if err := ch.idle(); err != nil {
		return cmdError(cmd, err)
	}
	ch.info1.Ack(sdhi.Info1RespEnd | sdhi.Info1AccessEnd)
	ch.info2.Ack(sdhi.Info2All)
	ch.arg.Store(arg)

	err := ch.await(sdhi.Info1RespEnd, 0, ch.timeout(cmd), ErrTimeoutCommand, func() {
		ch.cmd.Store(cmd)
	})
	ch.log.Debug("command", slog.Int("index", int(cmd.Index())), slog.Bool("app", cmd.App()),
		slog.Uint64("arg", uint64(arg)), slog.Any("err", err))
	if err != nil {
		return cmdError(cmd, err)
	}
	ch.info1.Ack(sdhi.Info1RespEnd)
	return nil
}

// response fetches and checks the response of the last command. Card status
// bits in ignore and ch.tolerate are not treated as errors.
func (ch *Channel) response(cmd sdhi.Command, kind respKind, ignore sdhi.CardStatus) error {
	ignore |= ch.tolerate
	switch kind {
	case respNone:
		return nil

	case respR1, respR1b:
		ch.resp = sdhi.CardStatus(ch.port.Read(sdhi.RegRsp10))
		if e := statusError(ch.resp, ignore); e != 0 {
			return cmdError(cmd, e)
		}
		if kind == respR1b {
			err := ch.await(sdhi.Info1AccessEnd, 0, ch.timeout(cmd), ErrTimeoutCommand, nil)
			if err != nil {
				return cmdError(cmd, err)
			}
			ch.info1.Ack(sdhi.Info1AccessEnd)
		}

	case respR2, respR3, respR6, respR7:
		// no error bits, the caller takes the value from the registers

	default:
		return cmdError(cmd, ErrInternal)
	}
	return nil
}

// exec issues a command and checks its response.
func (ch *Channel) exec(cmd sdhi.Command, arg uint32, kind respKind) error {
	return ch.execIgnore(cmd, arg, kind, 0)
}

func (ch *Channel) execIgnore(cmd sdhi.Command, arg uint32, kind respKind, ignore sdhi.CardStatus) error {
	if err := ch.send(cmd, arg); err != nil {
		return err
	}
	return ch.response(cmd, kind, ignore)
}

// app issues an application specific command, announced by APP_CMD with the
// card's relative address.
func (ch *Channel) app(cmd sdhi.Command, arg uint32, kind respKind) error {
	return ch.appIgnore(cmd, arg, kind, 0)
}

func (ch *Channel) appIgnore(cmd sdhi.Command, arg uint32, kind respKind, ignore sdhi.CardStatus) error {
	if err := ch.execIgnore(sdhi.CmdAppCmd, uint32(ch.rca)<<16, respR1, ignore); err != nil {
		return err
	}
	if ch.resp&sdhi.StatusAppCmd == 0 {
		return cmdError(sdhi.CmdAppCmd, ErrIllegalCommand)
	}
	return ch.execIgnore(cmd, arg, kind, ignore)
}

// word returns the low 32 bits of the first response register: R1, R3, R6
// and R7.
func (ch *Channel) word() uint32 {
	return uint32(ch.port.Read(sdhi.RegRsp10))
}

// register reassembles a 136 bit response. The controller strips the CRC,
// which is recomputed so the image matches the card's register.
func (ch *Channel) register() (reg [16]byte) {
	w := [4]uint32{
		uint32(ch.port.Read(sdhi.RegRsp10)),
		uint32(ch.port.Read(sdhi.RegRsp32)),
		uint32(ch.port.Read(sdhi.RegRsp54)),
		uint32(ch.port.Read(sdhi.RegRsp76)),
	}
	reg[0], reg[1], reg[2] = byte(w[3]>>16), byte(w[3]>>8), byte(w[3])
	for i, v := range [...]uint32{w[2], w[1], w[0]} {
		o := 3 + 4*i
		reg[o], reg[o+1], reg[o+2], reg[o+3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	}
	sdhi.Seal(reg[:])
	return
}

// status polls the card status with SEND_STATUS.
func (ch *Channel) status(ignore sdhi.CardStatus) (sdhi.CardStatus, error) {
	err := ch.execIgnore(sdhi.CmdSendStatus, uint32(ch.rca)<<16, respR1, ignore)
	return ch.resp, err
}
