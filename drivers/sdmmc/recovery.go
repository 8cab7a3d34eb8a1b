package sdmmc

import (
	"golang.org/x/exp/slog"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// begin starts a top-level operation with a clean error.
func (ch *Channel) begin() {
	ch.err = nil
	ch.dmaUsed = false
}

// fail records err unless an earlier error of the same operation is pending
// and returns the error the operation will report.
func (ch *Channel) fail(err error) error {
	if ch.err == nil {
		ch.err = err
	}
	return ch.err
}

// end is deferred by every top-level operation once it touched the
// controller. On failure it recovers the controller and the card, in any
// case it halts the clock. The first recorded error is the result.
func (ch *Channel) end(result *error) {
	if ch.err != nil {
		ch.recover()
	}
	ch.clockOff()
	*result = ch.err
}

// recover brings controller and card back to a known idle state. Its own
// failures are logged but never reported.
func (ch *Channel) recover() {
	ch.log.Warn("recovering", slog.Any("err", ch.err), slog.Bool("dma", ch.dmaUsed))

	// The DMA engine keeps residual state after any failure.
	ch.port.DisableDMA()
	ch.port.ResetDMA()
	ch.ext.Store(0)

	ch.disarm()
	ch.info1.Ack(sdhi.Info1RespEnd | sdhi.Info1AccessEnd)
	ch.info2.Ack(sdhi.Info2All)

	if ch.info2.Load()&sdhi.Info2CmdBusy != 0 {
		err := ch.await(sdhi.Info1AccessEnd, 0, ch.cfg.Timeouts.Command, ErrHostBusy, func() {
			ch.stopReg.Store(sdhi.StopAbort)
		})
		if err != nil {
			ch.log.Warn("abort", slog.Any("err", err))
		}
		ch.softReset()
		ch.info1.Ack(sdhi.Info1RespEnd | sdhi.Info1AccessEnd)
		ch.info2.Ack(sdhi.Info2All)
	}
	ch.stopReg.Store(0)

	if ch.rca == 0 || !ch.present.Load() {
		return
	}
	ch.clk.Store(sdhi.ClkEnable | ch.div)
	s, err := ch.status(^sdhi.CardStatus(0))
	if err != nil {
		ch.log.Warn("status", slog.Any("err", err))
		return
	}
	switch s.State() {
	case sdhi.StateData, sdhi.StateRcv:
		err = ch.execIgnore(sdhi.CmdStopTransmit, 0, respR1b, ^sdhi.CardStatus(0))
	case sdhi.StateStby:
		if !ch.standby {
			err = ch.execIgnore(sdhi.CmdSelect, uint32(ch.rca)<<16, respR1b, ^sdhi.CardStatus(0))
		}
	}
	if err != nil {
		ch.log.Warn("reselect", slog.Any("err", err))
		return
	}

	// A failed LOCK_UNLOCK leaves the block length of its data structure.
	if ch.shortBlk && !ch.standby {
		err = ch.execIgnore(sdhi.CmdSetBlockLen, sdhi.SectorSize, respR1, ^sdhi.CardStatus(0))
		if err != nil {
			ch.log.Warn("block length", slog.Any("err", err))
			return
		}
		ch.shortBlk = false
	}
}
