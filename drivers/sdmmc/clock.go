package sdmmc

import (
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// setClock selects the divider used while the clock runs. The divider may only
// change with the command engine idle.
func (ch *Channel) setClock(div sdhi.ClkCtrl) error {
	if err := ch.idle(); err != nil {
		return err
	}
	ch.div = div & sdhi.ClkDivMask
	ch.clk.Store(ch.clk.Load()&sdhi.ClkEnable | ch.div)
	return nil
}

// clockOn supplies the card clock.
func (ch *Channel) clockOn() error {
	if err := ch.idle(); err != nil {
		return err
	}
	ch.clk.Store(sdhi.ClkEnable | ch.div)
	return nil
}

// clockOff halts the card clock. It is best effort: a busy engine keeps the
// clock running.
func (ch *Channel) clockOff() {
	if ch.idle() != nil {
		ch.log.Warn("clock not halted, command engine busy")
		return
	}
	ch.clk.Store(ch.div)
}

// setWidth switches the host side of the data bus.
func (ch *Channel) setWidth(width int) {
	opt := ch.option.Load()
	if width == 4 {
		opt &^= sdhi.OptionWidth1
	} else {
		opt |= sdhi.OptionWidth1
	}
	ch.option.Store(opt)
	ch.width = width
}

// softReset resets the command and data state machines of the controller.
// SD_OPTION and SD_CLK_CTRL survive.
func (ch *Channel) softReset() {
	opt, clk := ch.option.Load(), ch.clk.Load()
	ch.softRst.Store(sdhi.SoftRstIdle)
	ch.softRst.Store(sdhi.SoftRstIdle | sdhi.SoftRstRelease)
	ch.option.Store(opt)
	ch.clk.Store(clk)
}

// initHost brings the controller to its identification setup: 1 bit bus,
// slow clock, no DMA, all transfer interrupts masked.
func (ch *Channel) initHost() error {
	ch.softRst.Store(sdhi.SoftRstIdle)
	ch.softRst.Store(sdhi.SoftRstIdle | sdhi.SoftRstRelease)
	ch.disarm()
	ch.info1.Ack(sdhi.Info1All)
	ch.info2.Ack(sdhi.Info2All)
	ch.ext.Store(0)
	ch.stopReg.Store(0)
	ch.size.Store(sdhi.SectorSize)
	ch.option.Store(sdhi.OptionDefault)
	ch.width = 1

	ch.identDiv = ch.port.ClockDivider(ch.cfg.IdentClock)
	if err := ch.setClock(ch.identDiv); err != nil {
		return err
	}
	return ch.clockOn()
}

// Standby deselects the card so it can enter its low power state.
func (ch *Channel) Standby() (err error) {
	ch.begin()
	if err := ch.mounted(); err != nil {
		return ch.fail(err)
	}
	if ch.standby {
		return nil
	}
	defer ch.end(&err)
	if err := ch.clockOn(); err != nil {
		return ch.fail(err)
	}
	if err := ch.exec(sdhi.CmdDeselect, 0, respNone); err != nil {
		return ch.fail(err)
	}
	ch.standby = true
	return nil
}

// Active selects a card put into standby again.
func (ch *Channel) Active() (err error) {
	ch.begin()
	if err := ch.mounted(); err != nil {
		return ch.fail(err)
	}
	if !ch.standby {
		return nil
	}
	defer ch.end(&err)
	if err := ch.clockOn(); err != nil {
		return ch.fail(err)
	}
	if err := ch.execIgnore(sdhi.CmdSelect, uint32(ch.rca)<<16, respR1b, sdhi.StatusCardLocked); err != nil {
		return ch.fail(err)
	}
	ch.standby = false
	return nil
}

// mounted checks that a card has been mounted, locked or not.
func (ch *Channel) mounted() error {
	if ch.state == Unmounted {
		return ErrNotMounted
	}
	if !ch.present.Load() {
		return ErrNoCard
	}
	return nil
}
