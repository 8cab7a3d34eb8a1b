package sdmmc

import (
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

const (
	idleRetries = 3
	dsrValue    = 0x0404
	mmcRCA      = 1

	// SWITCH argument writing EXT_CSD BUS_WIDTH for a 4 bit bus
	mmcSwitch4Bit = 3<<24 | 183<<16 | 1<<8

	ocrSectorMode = 1 << 30 // MMC access mode
)

// Mount identifies the card and makes its memory area accessible. voltage is
// the OCR voltage window offered to the card, zero selects 2.7-3.6V.
//
// A password protected card mounts with outcome MountedLocked. Sectors are
// not accessible until LockUnlock removed the lock.
func (ch *Channel) Mount(mode Mode, voltage uint32) (outcome MountOutcome, err error) {
	ch.begin()
	ch.stop.Store(false)
	ch.forget()
	ch.mode = mode
	if voltage == 0 {
		voltage = sdhi.OCRVoltageWindow
	}

	if ch.port.CardDetectSupported() {
		ch.present.Store(ch.info1.Load()&sdhi.Info1CardDetect != 0)
	}
	if !ch.present.Load() {
		return Unmounted, ch.fail(ErrNoCard)
	}
	if err := ch.port.PowerOn(); err != nil {
		return Unmounted, ch.fail(fmt.Errorf("%w: power on: %w", ErrHostInterface, err))
	}

	defer func() {
		ch.end(&err)
		if err != nil {
			ch.forget()
		}
		outcome = ch.state
	}()

	if err := ch.initHost(); err != nil {
		return Unmounted, ch.fail(err)
	}
	ch.tolerate = sdhi.StatusCardLocked
	if err := ch.identify(voltage); err != nil {
		return Unmounted, ch.fail(err)
	}
	if err := ch.readRegisters(); err != nil {
		return Unmounted, ch.fail(err)
	}
	if err := ch.mountMemory(); err != nil {
		return Unmounted, ch.fail(err)
	}

	ch.log.Info("mounted",
		slog.String("media", ch.media.String()),
		slog.Uint64("sectors", uint64(ch.sectors)),
		slog.Int("width", ch.width),
		slog.String("revision", ch.revision.String()),
		slog.Bool("locked", ch.state == MountedLocked))
	return ch.state, nil
}

// Unmount forgets the card and removes its power.
func (ch *Channel) Unmount() error {
	ch.stop.Store(false)
	if ch.state != Unmounted {
		ch.clockOff()
	}
	ch.forget()
	return ch.port.PowerOff()
}

func (ch *Channel) forget() {
	ch.media = MediaUnknown
	ch.state = Unmounted
	ch.standby = false
	ch.wp = 0
	ch.ocr, ch.ifCond = 0, 0
	ch.cid, ch.csd, ch.scr, ch.sdStatus = CID{}, CSD{}, SCR{}, SDStatus{}
	ch.dsr, ch.rca = 0, 0
	ch.resp, ch.tolerate = 0, 0
	ch.shortBlk = false
	ch.revision = RevUnknown
	ch.ccs = false
	ch.sectors, ch.protected, ch.erase = 0, 0, 0
	ch.width, ch.speed = 1, 0
}

// goIdle resets the card. A transient failure is tolerated.
func (ch *Channel) goIdle() (err error) {
	for range idleRetries {
		if err = ch.exec(sdhi.CmdGoIdle, 0, respNone); err == nil {
			return nil
		}
	}
	return err
}

// identify negotiates the operating conditions, tells SD from MMC and
// assigns the relative address.
func (ch *Channel) identify(voltage uint32) error {
	if err := ch.goIdle(); err != nil {
		return err
	}

	v2 := false
	if ch.mode&ModeVer2 != 0 {
		var err error
		if v2, err = ch.ifCondition(); err != nil {
			return err
		}
	}

	if ch.sdOpCond(voltage, v2) {
		ch.media = MediaSD
	} else {
		ch.log.Debug("no SD card, trying MMC")
		if err := ch.goIdle(); err != nil {
			return err
		}
		if !ch.mmcOpCond(voltage) {
			return ErrUnsupportedCard
		}
		ch.media = MediaMMC
	}

	if err := ch.exec(sdhi.CmdAllSendCID, 0, respR2); err != nil {
		return err
	}
	ch.cid = CID(ch.register())
	return ch.assignRCA()
}

// ifCondition probes for physical layer 2.00. A card that does not answer
// is a legacy card; the reset is replayed to clear its illegal command
// status.
func (ch *Channel) ifCondition() (bool, error) {
	arg := sdhi.IfCondVoltage | sdhi.IfCondPattern
	if err := ch.exec(sdhi.CmdSendIfCond, arg, respR7); err != nil {
		ch.log.Debug("no interface condition response", slog.Any("err", err))
		return false, ch.goIdle()
	}
	r := ch.word()
	ch.ifCond = r
	if r&sdhi.IfCondPatternMask != sdhi.IfCondPattern {
		return false, cmdError(sdhi.CmdSendIfCond, ErrIfCondEcho)
	}
	if r&sdhi.IfCondVoltageMask != sdhi.IfCondVoltage {
		return false, cmdError(sdhi.CmdSendIfCond, ErrIfCondVersion)
	}
	return true, nil
}

// sdOpCond polls ACMD41 until the card finished power up.
func (ch *Channel) sdOpCond(voltage uint32, v2 bool) bool {
	arg := voltage
	if v2 {
		arg |= sdhi.OCRHCS
	}
	for range ch.cfg.OpCondPolls {
		if err := ch.app(sdhi.AcmdSendOpCond, arg, respR3); err != nil {
			ch.log.Debug("sd op cond", slog.Any("err", err))
			return false
		}
		if ocr := ch.word(); ocr&sdhi.OCRReady != 0 {
			ch.ocr = ocr
			ch.ccs = v2 && ocr&sdhi.OCRCCS != 0
			return true
		}
		time.Sleep(ch.cfg.OpCondDelay)
	}
	return false
}

// mmcOpCond polls CMD1 until the card finished power up.
func (ch *Channel) mmcOpCond(voltage uint32) bool {
	for range ch.cfg.OpCondPolls {
		if err := ch.exec(sdhi.CmdSendOpCond, voltage|ocrSectorMode, respR3); err != nil {
			ch.log.Debug("mmc op cond", slog.Any("err", err))
			return false
		}
		if ocr := ch.word(); ocr&sdhi.OCRReady != 0 {
			ch.ocr = ocr
			ch.ccs = ocr&ocrSectorMode != 0
			return true
		}
		time.Sleep(ch.cfg.OpCondDelay)
	}
	return false
}

// assignRCA reads the address an SD card publishes or assigns a fixed one to
// an MMC. SD cards may publish the illegal address zero, ask again then.
func (ch *Channel) assignRCA() error {
	if ch.media&MediaMMC != 0 {
		ch.rca = mmcRCA
		return ch.exec(sdhi.CmdSendRelAddr, mmcRCA<<16, respR1)
	}
	for range ch.cfg.RCARetries {
		if err := ch.exec(sdhi.CmdSendRelAddr, 0, respR6); err != nil {
			return err
		}
		r := ch.word()
		if rca := uint16(r >> 16); rca != 0 {
			ch.rca = rca
			if e := statusError(sdhi.StatusFromR6(r), ch.tolerate); e != 0 {
				return cmdError(sdhi.CmdSendRelAddr, e)
			}
			return nil
		}
		ch.log.Debug("card published rca 0")
	}
	return cmdError(sdhi.CmdSendRelAddr, fmt.Errorf("%w: rca 0", ErrInternal))
}

// readRegisters fetches CSD and, for SD cards, the SCR and derives the
// memory geometry.
func (ch *Channel) readRegisters() error {
	if err := ch.exec(sdhi.CmdSendCSD, uint32(ch.rca)<<16, respR2); err != nil {
		return err
	}
	ch.csd = CSD(ch.register())

	if ch.csd.DSRImplemented() {
		ch.dsr = dsrValue
		if err := ch.exec(sdhi.CmdSetDSR, uint32(ch.dsr)<<16, respNone); err != nil {
			return err
		}
	}

	if ch.media&MediaSD != 0 {
		if err := ch.exec(sdhi.CmdSelect, uint32(ch.rca)<<16, respR1b); err != nil {
			return err
		}
		var scr SCR
		if err := ch.readData(sdhi.AcmdSendSCR, 0, scr[:]); err != nil {
			return err
		}
		ch.scr = scr
		if err := ch.exec(sdhi.CmdDeselect, 0, respNone); err != nil {
			return err
		}
		ch.revision = revision(ch.scr)
	}

	if err := checkVersion(ch.media, ch.csd, ch.revision, ch.ccs); err != nil {
		return err
	}
	ch.sectors = ch.csd.Sectors(ch.media)
	ch.erase = ch.csd.EraseUnit(ch.media)
	return nil
}

// mountMemory selects the card. A locked card stops here, otherwise the
// memory access parameters are set up.
func (ch *Channel) mountMemory() error {
	if err := ch.exec(sdhi.CmdSelect, uint32(ch.rca)<<16, respR1b); err != nil {
		return err
	}
	ch.media |= MediaMemory
	if ch.resp&sdhi.StatusCardLocked != 0 {
		ch.state = MountedLocked
		return nil
	}
	return ch.setupMemory()
}

// setupMemory finishes the mount of an unlocked card: block length, bus
// width, SD status and data clock.
func (ch *Channel) setupMemory() error {
	if err := ch.exec(sdhi.CmdSetBlockLen, sdhi.SectorSize, respR1); err != nil {
		return err
	}

	if ch.mode&Mode1Bit == 0 {
		switch {
		case ch.media&MediaSD != 0 && ch.scr.Supports4Bit():
			if err := ch.app(sdhi.AcmdSetBusWidth, 2, respR1); err != nil {
				return err
			}
			ch.setWidth(4)
		case ch.media&MediaMMC != 0 && ch.csd.SpecVersion() >= 4:
			if err := ch.exec(sdhi.CmdSwitch, mmcSwitch4Bit, respR1b); err != nil {
				return err
			}
			ch.setWidth(4)
		}
	}

	if ch.media&MediaSD != 0 {
		// disconnect the pull-up on DAT3
		if err := ch.app(sdhi.AcmdSetClrCardDet, 0, respR1); err != nil {
			return err
		}
		var st SDStatus
		if err := ch.readData(sdhi.AcmdSDStatus, 0, st[:]); err != nil {
			return err
		}
		ch.sdStatus = st
		ch.protected = protectedSectors(ch.csd, st, ch.ccs)
		if ch.revision >= Rev1_10 {
			if au := st.AUSectors(); au != 0 {
				ch.erase = au
			}
		}
	}

	ch.speed = min(ch.csd.MaxClock(), ch.cfg.MaxClock)
	if ch.speed == 0 {
		ch.speed = ch.cfg.IdentClock
	}
	ch.dataDiv = ch.port.ClockDivider(ch.speed)
	if err := ch.setClock(ch.dataDiv); err != nil {
		return err
	}

	ch.wp = 0
	if ch.port.WriteProtectSupported() && ch.info1.Load()&sdhi.Info1WriteProtect != 0 {
		ch.wp |= WPHardware
	}
	if ch.csd.TempWriteProtect() {
		ch.wp |= WPTemporary
	}
	if ch.csd.PermWriteProtect() {
		ch.wp |= WPPermanent
	}
	if ch.media&MediaSD != 0 && ch.sdStatus.ROM() {
		ch.wp |= WPROM
	}

	ch.tolerate = 0
	ch.state = MountedUnlocked
	return nil
}
